package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// ErrClosed is returned by [OpusSink.PlayFrame] after Close.
var ErrClosed = errors.New("sink: closed")

// Packet is one Opus packet produced by [OpusSink].
type Packet struct {
	Data   []byte
	TurnID string
}

// OpusSink encodes frames into Opus packets of a fixed duration. A frame
// longer than that (a whole chunk on the bypass path) is split into several
// packets, and a short remainder is padded with silence. Encoding is not safe
// to interleave, so PlayFrame calls are serialised.
type OpusSink struct {
	format    audio.Format
	frameSize int // samples per channel per frame
	maxPacket int
	packets   chan Packet

	encMu     sync.Mutex
	enc       *gopus.Encoder
	closeOnce sync.Once
	done      chan struct{}
}

// NewOpusSink returns an OpusSink for PCM in format f, packetising every
// frameDur of audio. Opus accepts 8, 12, 16, 24 and 48 kHz with one or two
// channels and frame durations of 2.5 to 60 ms.
func NewOpusSink(f audio.Format, frameDur time.Duration) (*OpusSink, error) {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("sink: opus does not support %d Hz", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return nil, fmt.Errorf("sink: opus does not support %d channels", f.Channels)
	}
	frameSize := int(int64(f.SampleRate) * int64(frameDur) / int64(time.Second))
	switch frameDur {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return nil, fmt.Errorf("sink: invalid opus frame duration %v", frameDur)
	}

	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("sink: create opus encoder: %w", err)
	}
	return &OpusSink{
		format:    f,
		frameSize: frameSize,
		maxPacket: frameSize * f.Channels * 2,
		packets:   make(chan Packet, defaultChannelBuffer),
		enc:       enc,
		done:      make(chan struct{}),
	}, nil
}

// Packets returns the stream of encoded packets.
func (s *OpusSink) Packets() <-chan Packet { return s.packets }

// PlayFrame implements [audio.FrameSink].
func (s *OpusSink) PlayFrame(ctx context.Context, data []byte, turnID string, enc audio.Encoding) error {
	pcm := toPCM16(data, enc.OrDefault())
	want := s.frameSize * s.format.Channels
	if rem := len(pcm) % want; rem != 0 || len(pcm) == 0 {
		pcm = append(pcm, make([]int16, want-rem)...)
	}

	for off := 0; off < len(pcm); off += want {
		if err := s.encodeOne(ctx, pcm[off:off+want], turnID); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpusSink) encodeOne(ctx context.Context, pcm []int16, turnID string) error {
	s.encMu.Lock()
	select {
	case <-s.done:
		s.encMu.Unlock()
		return ErrClosed
	default:
	}
	packet, err := s.enc.Encode(pcm, s.frameSize, s.maxPacket)
	s.encMu.Unlock()
	if err != nil {
		return fmt.Errorf("sink: opus encode: %w", err)
	}

	select {
	case s.packets <- Packet{Data: packet, TurnID: turnID}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sink. Pending and later PlayFrame calls return
// [ErrClosed]. Close is idempotent.
func (s *OpusSink) Close() error {
	s.closeOnce.Do(func() {
		s.encMu.Lock()
		close(s.done)
		s.encMu.Unlock()
	})
	return nil
}
