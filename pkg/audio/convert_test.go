package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/frontdesk/pkg/audio"
)

func TestUpmix(t *testing.T) {
	t.Parallel()
	got := audio.Upmix([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("Upmix = %v, want %v", got, want)
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	got := audio.Downmix([]int16{100, 200, -100, -200, 32767, 32767})
	want := []int16{150, -150, 32767}
	if !slices.Equal(got, want) {
		t.Errorf("Downmix = %v, want %v", got, want)
	}
}

func TestResample_DoublesAndHalves(t *testing.T) {
	t.Parallel()
	in := []int16{0, 100, 200, 300}

	up := audio.Resample(in, 1, 24000, 48000)
	if len(up) != 8 {
		t.Fatalf("upsampled length = %d, want 8", len(up))
	}
	if up[0] != 0 || up[1] != 50 || up[2] != 100 {
		t.Errorf("interpolation wrong: %v", up[:3])
	}

	down := audio.Resample(up, 1, 48000, 24000)
	if !slices.Equal(down, in) {
		t.Errorf("round trip = %v, want %v", down, in)
	}
}

func TestResample_StereoKeepsChannelsApart(t *testing.T) {
	t.Parallel()
	in := []int16{10, -10, 20, -20}
	out := audio.Resample(in, 2, 24000, 48000)
	if len(out) != 8 {
		t.Fatalf("len = %d, want 8", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if out[i] < 0 || out[i+1] > 0 {
			t.Errorf("frame %d mixes channels: L=%d R=%d", i/2, out[i], out[i+1])
		}
	}
}

func TestResample_SameRateIsNoop(t *testing.T) {
	t.Parallel()
	in := []int16{1, 2, 3}
	if got := audio.Resample(in, 1, 24000, 24000); !slices.Equal(got, in) {
		t.Errorf("got %v, want %v", got, in)
	}
}

func TestConverter_OpusLegToSession(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.SessionFormat}

	// 4 stereo frames at 48 kHz become 2 mono samples at 24 kHz.
	in := audio.AudioFrame{
		Data:       audio.Int16sToBytes([]int16{100, 300, 100, 300, 200, 400, 200, 400}),
		SampleRate: 48000,
		Channels:   2,
	}
	out := c.Convert(in)
	if out.SampleRate != audio.SampleRate || out.Channels != 1 {
		t.Fatalf("format = %d/%d, want %d/1", out.SampleRate, out.Channels, audio.SampleRate)
	}
	if got := out.Samples(); !slices.Equal(got, []int16{200, 300}) {
		t.Errorf("samples = %v, want [200 300]", got)
	}
}

func TestConverter_MatchingFormatPassesThrough(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.SessionFormat}
	in := audio.AudioFrame{Data: []byte{1, 0, 2, 0}, SampleRate: audio.SampleRate, Channels: 1}
	out := c.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("expected the original buffer to be returned")
	}
}

func TestConverter_OddBytesYieldsEmptyFrame(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.SessionFormat}
	out := c.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("expected empty frame, got %d bytes", len(out.Data))
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 24000, Channels: 1}, "24000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 48000, Channels: 6}, "48000Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.f, got, tc.want)
		}
	}
}
