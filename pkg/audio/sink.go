package audio

import (
	"context"
	"time"
)

// FrameSink plays decoded audio. It is the boundary to the native playback
// engine: the buffering core never inspects an implementation, it only
// observes the returned error for logging.
//
// PlayFrame is called sequentially, in strictly increasing frame order, from
// a single dispatch goroutine per buffer. Implementations must respect ctx
// cancellation and should return quickly.
type FrameSink interface {
	PlayFrame(ctx context.Context, data []byte, turnID string, enc Encoding) error
}

// FrameSinkFunc adapts an ordinary function to the [FrameSink] interface.
type FrameSinkFunc func(ctx context.Context, data []byte, turnID string, enc Encoding) error

// PlayFrame calls f.
func (f FrameSinkFunc) PlayFrame(ctx context.Context, data []byte, turnID string, enc Encoding) error {
	return f(ctx, data, turnID, enc)
}

// Silence returns a buffer of digital silence spanning d in format f.
// Silence is zero for the signed and float encodings and the midpoint 0x80
// for unsigned 8-bit PCM.
func Silence(f Format, enc Encoding, d time.Duration) []byte {
	n := f.FrameBytes(d, enc)
	buf := make([]byte, n)
	if enc == EncodingPCM8 {
		for i := range buf {
			buf[i] = 0x80
		}
	}
	return buf
}
