package audio_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
)

func TestEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		enc       audio.Encoding
		valid     bool
		width     int
		orDefault audio.Encoding
	}{
		{enc: audio.EncodingPCM16, valid: true, width: 2, orDefault: audio.EncodingPCM16},
		{enc: audio.EncodingPCM8, valid: true, width: 1, orDefault: audio.EncodingPCM8},
		{enc: audio.EncodingFloat32, valid: true, width: 4, orDefault: audio.EncodingFloat32},
		{enc: "", valid: false, width: 2, orDefault: audio.EncodingPCM16},
		{enc: "mp3", valid: false, width: 2, orDefault: "mp3"},
	}
	for _, tt := range tests {
		t.Run(string(tt.enc), func(t *testing.T) {
			t.Parallel()
			if got := tt.enc.IsValid(); got != tt.valid {
				t.Errorf("IsValid = %v, want %v", got, tt.valid)
			}
			if got := tt.enc.BytesPerSample(); got != tt.width {
				t.Errorf("BytesPerSample = %d, want %d", got, tt.width)
			}
			if got := tt.enc.OrDefault(); got != tt.orDefault {
				t.Errorf("OrDefault = %q, want %q", got, tt.orDefault)
			}
		})
	}
}

func TestFormat_Sizes(t *testing.T) {
	t.Parallel()
	f := audio.DefaultFormat

	if got := f.BytesPerMillisecond(audio.EncodingPCM16); got != 48 {
		t.Errorf("BytesPerMillisecond = %v, want 48", got)
	}
	if got := f.FrameBytes(20*time.Millisecond, audio.EncodingPCM16); got != 960 {
		t.Errorf("FrameBytes(20ms) = %d, want 960", got)
	}
	if got := f.DurationOf(960, audio.EncodingPCM16); got != 20*time.Millisecond {
		t.Errorf("DurationOf(960) = %v, want 20ms", got)
	}

	// 44.1 kHz stereo is not a whole number of bytes per millisecond.
	cd := audio.Format{SampleRate: 44100, Channels: 2}
	if got := cd.FrameBytes(20*time.Millisecond, audio.EncodingPCM16); got%4 != 0 || got != 882*4 {
		t.Errorf("FrameBytes = %d, want 3528 aligned to whole sample frames", got)
	}
	if got := cd.String(); got != "44100Hz stereo" {
		t.Errorf("String = %q", got)
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		enc  audio.Encoding
		want byte
		n    int
	}{
		{audio.EncodingPCM16, 0, 960},
		{audio.EncodingFloat32, 0, 1920},
		{audio.EncodingPCM8, 0x80, 480},
	}
	for _, tt := range tests {
		t.Run(string(tt.enc), func(t *testing.T) {
			t.Parallel()
			buf := audio.Silence(audio.DefaultFormat, tt.enc, 20*time.Millisecond)
			if len(buf) != tt.n {
				t.Fatalf("len = %d, want %d", len(buf), tt.n)
			}
			for i, b := range buf {
				if b != tt.want {
					t.Fatalf("byte %d = %#x, want %#x", i, b, tt.want)
				}
			}
		})
	}
}

func TestFrameSinkFunc(t *testing.T) {
	t.Parallel()
	var got string
	s := audio.FrameSinkFunc(func(_ context.Context, _ []byte, turnID string, _ audio.Encoding) error {
		got = turnID
		return nil
	})
	if err := s.PlayFrame(context.Background(), nil, "t1", audio.EncodingPCM16); err != nil || got != "t1" {
		t.Errorf("PlayFrame: got %q, err %v", got, err)
	}
}
