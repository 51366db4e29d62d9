// Package sink provides concrete [audio.FrameSink] implementations: a channel
// sink that hands PCM frames to a consumer goroutine, an Opus sink that
// encodes frames into packets for voice transports, and a discard sink.
package sink

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.FrameSink = Discard{}
	_ audio.FrameSink = (*ChannelSink)(nil)
	_ audio.FrameSink = (*OpusSink)(nil)
)

const defaultChannelBuffer = 64

// Discard drops every frame.
type Discard struct{}

// PlayFrame implements [audio.FrameSink].
func (Discard) PlayFrame(context.Context, []byte, string, audio.Encoding) error { return nil }

// Frame is a played frame as delivered by [ChannelSink].
type Frame struct {
	Data     []byte
	TurnID   string
	Encoding audio.Encoding
}

// ChannelSink delivers frames on a channel. PlayFrame blocks until the
// consumer receives the frame or ctx is done, which gives the consumer
// natural backpressure over the dispatcher.
type ChannelSink struct {
	ch chan Frame
}

// NewChannelSink returns a ChannelSink with the given channel capacity.
// A non-positive buffer selects the default of 64 frames.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelSink{ch: make(chan Frame, buffer)}
}

// Frames returns the receive side of the sink.
func (s *ChannelSink) Frames() <-chan Frame { return s.ch }

// PlayFrame implements [audio.FrameSink].
func (s *ChannelSink) PlayFrame(ctx context.Context, data []byte, turnID string, enc audio.Encoding) error {
	select {
	case s.ch <- Frame{Data: data, TurnID: turnID, Encoding: enc}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toPCM16 converts raw samples in enc to little-endian signed 16-bit samples.
func toPCM16(data []byte, enc audio.Encoding) []int16 {
	switch enc {
	case audio.EncodingPCM8:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = int16(int(b)-128) << 8
		}
		return out
	case audio.EncodingFloat32:
		out := make([]int16, len(data)/4)
		for i := range out {
			f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			f = max(-1, min(f, 1))
			out[i] = int16(f * math.MaxInt16)
		}
		return out
	default:
		out := make([]int16, len(data)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out
	}
}
