package jitter

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// MaxChunkBytes caps the decoded size of a single chunk. Larger chunks are
// rejected whole so an anomalous payload cannot drive the playback clock.
const MaxChunkBytes = 64 * 1024

// Plausible bounds for a single frame's duration. Frames outside them are
// still played but logged.
const (
	minPlausibleFrame = time.Millisecond
	maxPlausibleFrame = time.Second
)

var (
	errChunkTooLarge = errors.New("chunk exceeds size cap")
	errEmptyChunk    = errors.New("chunk has no audio data")
)

// DecodeAudioData decodes a chunk's base64 payload. Whitespace is stripped and
// any amount of trailing padding is accepted. Payloads whose estimated decoded
// size exceeds [MaxChunkBytes] are rejected without decoding.
func DecodeAudioData(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, errEmptyChunk
	}
	if len(s)*3/4 > MaxChunkBytes {
		return nil, errChunkTooLarge
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// FrameProcessor splits chunk payloads into fixed-interval [audio.AudioFrame]
// values. It is owned by a single [Buffer]; it is not safe for concurrent use.
type FrameProcessor struct {
	format   audio.Format
	interval time.Duration
	now      func() time.Time
	seq      uint64

	warnedAlign sync.Once
}

// NewFrameProcessor returns a processor producing frames of interval length in
// the given format.
func NewFrameProcessor(format audio.Format, interval time.Duration) *FrameProcessor {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameProcessor{
		format:   format,
		interval: interval,
		now:      time.Now,
	}
}

// SetInterval changes the duration of frames produced by subsequent calls.
func (p *FrameProcessor) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// ResetSequence restarts sequence numbering at zero.
func (p *FrameProcessor) ResetSequence() {
	p.seq = 0
}

// ParseChunk decodes chunk and splits it into frames. It never fails: empty,
// malformed or oversized payloads yield an empty result and a log line.
func (p *FrameProcessor) ParseChunk(chunk audio.Chunk) []audio.AudioFrame {
	if chunk.AudioData == "" {
		return nil
	}
	enc := chunk.Encoding.OrDefault()

	data, err := DecodeAudioData(chunk.AudioData)
	if err != nil {
		if !errors.Is(err, errEmptyChunk) {
			slog.Warn("jitter: dropping undecodable chunk",
				"turn_id", chunk.TurnID,
				"encoded_len", len(chunk.AudioData),
				"err", err,
			)
		}
		return nil
	}

	align := p.format.Channels * enc.BytesPerSample()
	if align > 1 {
		if rem := len(data) % align; rem != 0 {
			p.warnedAlign.Do(func() {
				slog.Warn("jitter: chunk is not sample aligned, truncating",
					"turn_id", chunk.TurnID,
					"bytes", len(data),
					"encoding", enc,
				)
			})
			data = data[:len(data)-rem]
		}
	}
	if len(data) == 0 {
		return nil
	}

	step := p.format.FrameBytes(p.interval, enc)
	if step <= 0 {
		step = len(data)
	}

	arrival := p.now()
	var offset time.Duration
	frames := make([]audio.AudioFrame, 0, (len(data)+step-1)/step)
	for start := 0; start < len(data); start += step {
		end := min(start+step, len(data))
		d := p.format.DurationOf(end-start, enc)
		if d < minPlausibleFrame || d > maxPlausibleFrame {
			slog.Warn("jitter: implausible frame duration",
				"turn_id", chunk.TurnID,
				"duration", d,
				"bytes", end-start,
				"format", p.format.String(),
			)
		}
		frames = append(frames, audio.AudioFrame{
			SequenceNumber: p.seq,
			Data:           data[start:end:end],
			Duration:       d,
			CapturedAt:     arrival.Add(offset),
		})
		p.seq++
		offset += d
	}

	frames[0].IsFirst = chunk.IsFirst
	frames[len(frames)-1].IsFinal = chunk.IsFinal
	return frames
}
