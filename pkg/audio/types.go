package audio

import (
	"encoding/binary"
	"time"
)

// AudioFrame is one chunk of PCM audio moving between the host devices, the
// playback queue and a session transport. Frames are treated as immutable once
// produced: whoever receives a frame owns it and nobody else touches Data.
type AudioFrame struct {
	// Data holds signed 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz. Frames on the session boundary are always [SampleRate].
	SampleRate int

	// Channels: 1 for the session boundary, 2 for the stereo Opus leg.
	Channels int

	// Timestamp marks when this frame was produced, relative to session start.
	Timestamp time.Duration
}

// Samples returns the frame's int16 view. A trailing odd byte is ignored.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Duration reports how long the frame plays for. Zero for frames with an
// unknown format.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	n := len(f.Data) / 2 / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}
