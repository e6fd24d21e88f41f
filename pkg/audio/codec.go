package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// The session boundary speaks one format only: 16-bit PCM, 24 kHz, mono.
// Anything else is resampled by the host audio subsystem before it gets here.
const (
	SampleRate = 24000
	Channels   = 1
)

var (
	// ErrMalformedPCM is returned when a PCM16 payload has an odd byte count.
	ErrMalformedPCM = errors.New("audio: malformed pcm16 payload")

	// ErrMalformedPayload wraps any failure to turn a wire payload into a frame.
	// Callers drop the chunk and keep the session running.
	ErrMalformedPayload = errors.New("audio: malformed payload")
)

// EncodePCM16 converts float samples in [-1, 1] to little-endian PCM16.
// Samples are clamped first; negative values scale by 32768 and non-negative
// values by 32767 so that +1.0 does not overflow. NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 back to floats using the same
// asymmetric divisors as [EncodePCM16].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPCM, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// EncodeBase64 wraps a PCM16 payload for text-only transports.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 unwraps a base64 PCM16 payload and checks its alignment.
func DecodeBase64(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrMalformedPayload, ErrMalformedPCM, len(pcm))
	}
	return pcm, nil
}

// FrameFromPCM builds a session-format frame around raw PCM16 bytes.
func FrameFromPCM(pcm []byte, ts time.Duration) (AudioFrame, error) {
	if len(pcm)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %w: %d bytes", ErrMalformedPayload, ErrMalformedPCM, len(pcm))
	}
	return AudioFrame{Data: pcm, SampleRate: SampleRate, Channels: Channels, Timestamp: ts}, nil
}

// FrameFromBase64 decodes an inbound base64 delta into a session-format frame.
func FrameFromBase64(payload string, ts time.Duration) (AudioFrame, error) {
	pcm, err := DecodeBase64(payload)
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{Data: pcm, SampleRate: SampleRate, Channels: Channels, Timestamp: ts}, nil
}

// FrameFromFloats encodes captured float samples into a session-format frame.
func FrameFromFloats(samples []float32, ts time.Duration) AudioFrame {
	return AudioFrame{Data: EncodePCM16(samples), SampleRate: SampleRate, Channels: Channels, Timestamp: ts}
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}
