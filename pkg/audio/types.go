// Package audio defines the data model shared by the playback pipeline:
// incoming [Chunk] payloads, decoded [AudioFrame] values, the PCM [Encoding]
// set, and the [FrameSink] capability that actually plays audio.
//
// The package lives under pkg/ because external code (native playback
// engines, transport adapters) is expected to implement [FrameSink].
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the PCM sample encoding of a chunk's audio data.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian PCM. It is the default
	// when a chunk carries no encoding.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingPCM8 is unsigned 8-bit PCM.
	EncodingPCM8 Encoding = "pcm_u8"

	// EncodingFloat32 is 32-bit little-endian IEEE float PCM.
	EncodingFloat32 Encoding = "pcm_f32le"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingPCM8, EncodingFloat32:
		return true
	}
	return false
}

// BytesPerSample returns the width of one sample of one channel. Unknown
// encodings are treated as 16-bit.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCM8:
		return 1
	case EncodingFloat32:
		return 4
	default:
		return 2
	}
}

// OrDefault returns e, or [EncodingPCM16] when e is empty.
func (e Encoding) OrDefault() Encoding {
	if e == "" {
		return EncodingPCM16
	}
	return e
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 24 kHz mono, the output format of most conversational
// speech providers.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1}

// BytesPerMillisecond returns how many bytes of enc-encoded audio make up one
// millisecond in format f. The result is fractional for rates that are not a
// multiple of 1000 Hz.
func (f Format) BytesPerMillisecond(enc Encoding) float64 {
	return float64(f.SampleRate*f.Channels*enc.BytesPerSample()) / 1000
}

// FrameBytes returns the number of bytes spanning d, rounded down to a whole
// sample frame (all channels).
func (f Format) FrameBytes(d time.Duration, enc Encoding) int {
	align := f.Channels * enc.BytesPerSample()
	if align <= 0 {
		return 0
	}
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * align
}

// DurationOf returns the playback duration of n bytes of enc-encoded audio.
func (f Format) DurationOf(n int, enc Encoding) time.Duration {
	bpms := f.BytesPerMillisecond(enc)
	if bpms <= 0 {
		return 0
	}
	return time.Duration(float64(n) / bpms * float64(time.Millisecond))
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Chunk is one independently-arriving piece of a turn's audio stream, as
// delivered by the transport.
type Chunk struct {
	// AudioData is base64-encoded PCM. Whitespace and missing padding are
	// tolerated.
	AudioData string

	// IsFirst marks the first chunk of a turn.
	IsFirst bool

	// IsFinal marks the last chunk of a turn.
	IsFinal bool

	// TurnID identifies the conversational turn this chunk belongs to.
	TurnID string

	// Encoding is the PCM encoding of AudioData. Empty means [EncodingPCM16].
	Encoding Encoding
}

// AudioFrame is a fixed-duration slice of decoded audio with sequence and
// timing metadata. Frames are immutable once created.
type AudioFrame struct {
	// SequenceNumber increases strictly within a buffer's lifetime.
	SequenceNumber uint64

	// Data holds the decoded PCM bytes.
	Data []byte

	// Duration is the playback length of Data.
	Duration time.Duration

	// CapturedAt is the arrival time of the frame, offset by the duration of
	// the frames that precede it in the same chunk.
	CapturedAt time.Time

	// IsFirst is set only on the first frame produced from a first chunk.
	IsFirst bool

	// IsFinal is set only on the last frame produced from a final chunk.
	IsFinal bool
}
