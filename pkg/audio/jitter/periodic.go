package jitter

import (
	"time"

	"github.com/frostbyte73/core"
)

// Ticker delivers ticks until stopped. It abstracts [time.Ticker] so that
// tests can drive the playback cadence by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a [Ticker] firing every d.
type TickerFunc func(d time.Duration) Ticker

// NewTimeTicker is the default [TickerFunc], backed by [time.NewTicker].
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// PeriodicTask runs a callback on every tick of a [Ticker] until its
// cancellation token is broken.
type PeriodicTask struct {
	stop core.Fuse
	done chan struct{}
}

// StartPeriodic starts a task on a new goroutine. warmup, if non-nil, runs
// once before the ticker is created and receives the cancellation channel;
// it must return promptly once that channel is closed. tick runs on every
// tick and receives the task so callers can tell stale tasks apart.
func StartPeriodic(interval time.Duration, newTicker TickerFunc, warmup func(cancel <-chan struct{}), tick func(*PeriodicTask)) *PeriodicTask {
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	t := &PeriodicTask{done: make(chan struct{})}
	go t.run(interval, newTicker, warmup, tick)
	return t
}

func (t *PeriodicTask) run(interval time.Duration, newTicker TickerFunc, warmup func(<-chan struct{}), tick func(*PeriodicTask)) {
	defer close(t.done)

	cancel := t.stop.Watch()
	if warmup != nil {
		warmup(cancel)
	}
	if t.stop.IsBroken() {
		return
	}

	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C():
			tick(t)
		}
	}
}

// Stop breaks the cancellation token. It does not wait for the goroutine to
// exit; see [PeriodicTask.Done]. Stop is idempotent.
func (t *PeriodicTask) Stop() {
	t.stop.Break()
}

// Stopped reports whether Stop has been called.
func (t *PeriodicTask) Stopped() bool {
	return t.stop.IsBroken()
}

// Done is closed once the task goroutine has exited.
func (t *PeriodicTask) Done() <-chan struct{} {
	return t.done
}
