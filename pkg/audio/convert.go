package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SessionFormat is the only format accepted on the session boundary.
var SessionFormat = Format{SampleRate: SampleRate, Channels: Channels}

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter brings frames into a target format: resample first, then adjust
// the channel count. It logs once on the first mismatch it sees.
// Create one per stream.
type Converter struct {
	Target Format

	warnOnce sync.Once
}

// Convert returns frame in the target format. Frames already in that format
// are returned untouched. Frames with an odd byte count come back empty.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnOnce.Do(func() {
		slog.Debug("audio: converting stream", "from", src.String(), "to", c.Target.String())
	})

	pcm := BytesToInt16s(frame.Data)
	if src.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	switch {
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = Downmix(pcm)
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = Upmix(pcm)
	}
	return AudioFrame{
		Data:       Int16sToBytes(pcm),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Upmix duplicates each mono sample into an interleaved L/R pair.
func Upmix(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downmix averages interleaved L/R pairs into mono.
func Downmix(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate using linear interpolation per channel.
func Resample(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		nxt := idx + 1
		if nxt >= srcFrames {
			nxt = idx
		}
		for ch := range channels {
			s0 := float64(pcm[idx*channels+ch])
			s1 := float64(pcm[nxt*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// Int16sToBytes converts samples to little-endian PCM16 bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16s converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}
