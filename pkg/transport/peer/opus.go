package peer

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/frontdesk/pkg/audio"
)

// The media leg runs Opus at 48 kHz with 20 ms frames.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxFrameSize is the largest frame Opus may carry (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000
	opusMaxPacket    = 4000
)

// opusEncoder turns session-format frames into 20 ms Opus packets. It buffers
// leftover samples between calls, so it is not safe for concurrent use.
type opusEncoder struct {
	enc     *gopus.Encoder
	pending []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("peer: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode upsamples frame to 48 kHz and returns every complete packet.
func (e *opusEncoder) encode(frame audio.AudioFrame) ([][]byte, error) {
	pcm := audio.Resample(frame.Samples(), 1, frame.SampleRate, opusSampleRate)
	e.pending = append(e.pending, pcm...)

	var packets [][]byte
	for len(e.pending) >= opusFrameSize {
		pkt, err := e.enc.Encode(e.pending[:opusFrameSize], opusFrameSize, opusMaxPacket)
		if err != nil {
			return packets, fmt.Errorf("peer: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[opusFrameSize:]
	}
	// Keep the backing array from growing without bound.
	e.pending = append([]int16(nil), e.pending...)
	return packets, nil
}

// opusDecoder turns remote Opus packets into session-format frames.
type opusDecoder struct {
	dec  *gopus.Decoder
	conv audio.Converter
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, 2)
	if err != nil {
		return nil, fmt.Errorf("peer: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, conv: audio.Converter{Target: audio.SessionFormat}}, nil
}

func (d *opusDecoder) decode(packet []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("peer: opus decode: %w", err)
	}
	return d.conv.Convert(audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: opusSampleRate,
		Channels:   2,
	}), nil
}
