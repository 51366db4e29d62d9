package jitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
)

const (
	// dispatchQueueDepth bounds the frames waiting for the sink. At 20 ms per
	// frame this is over a second of audio.
	dispatchQueueDepth = 64

	// dispatchTimeout bounds a single PlayFrame call.
	dispatchTimeout = 2 * time.Second
)

// SinkGuard wraps every call into the frame sink, e.g. with a circuit breaker.
type SinkGuard func(call func() error) error

type dispatchItem struct {
	data    []byte
	turnID  string
	enc     audio.Encoding
	silence bool
}

// dispatcher hands frames to the sink from a single goroutine so that the
// sink observes them in queue order, while the caller never blocks.
type dispatcher struct {
	sink    audio.FrameSink
	guard   SinkGuard
	onError func(turnID string, err error)

	queue  chan dispatchItem
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDispatcher(sink audio.FrameSink, guard SinkGuard, onError func(string, error)) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		sink:    sink,
		guard:   guard,
		onError: onError,
		queue:   make(chan dispatchItem, dispatchQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// submit queues item without blocking. It reports false when the queue is
// full or the dispatcher is closed.
func (d *dispatcher) submit(item dispatchItem) bool {
	if d.ctx.Err() != nil {
		return false
	}
	select {
	case d.queue <- item:
		return true
	default:
		return false
	}
}

// close stops the dispatch goroutine. Pending frames are discarded and an
// in-flight sink call sees its context cancelled. close is idempotent.
func (d *dispatcher) close() {
	d.cancel()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.queue:
			d.play(item)
		}
	}
}

func (d *dispatcher) play(item dispatchItem) {
	ctx, cancel := context.WithTimeout(d.ctx, dispatchTimeout)
	defer cancel()

	call := func() error {
		return d.sink.PlayFrame(ctx, item.data, item.turnID, item.enc)
	}
	var err error
	if d.guard != nil {
		err = d.guard(call)
	} else {
		err = call()
	}
	if err == nil || d.ctx.Err() != nil {
		return
	}

	slog.Warn("jitter: frame sink failed",
		"turn_id", item.turnID,
		"bytes", len(item.data),
		"silence", item.silence,
		"err", err,
	)
	if d.onError != nil {
		d.onError(item.turnID, err)
	}
}
