package jitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
)

func TestBuffer_AdaptiveLoopClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		recommend time.Duration
		want      time.Duration
	}{
		{name: "grow past max", recommend: 1000 * time.Millisecond, want: DefaultMax},
		{name: "shrink past min", recommend: -1000 * time.Millisecond, want: DefaultMin},
		{name: "small step", recommend: 20 * time.Millisecond, want: DefaultTarget + 20*time.Millisecond},
		{name: "no recommendation", recommend: 0, want: DefaultTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := New(nil, DefaultConfig(), WithAdjustEvery(0), withRecommender(func(*QualityMonitor) time.Duration {
				return tt.recommend
			}))
			defer b.Destroy()

			b.ApplyAdaptiveAdjustments()
			if got := b.Config().Target; got != tt.want {
				t.Errorf("Target = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuffer_TickRunsAdaptiveLoop(t *testing.T) {
	t.Parallel()

	calls := 0
	b := New(nil, DefaultConfig(),
		WithAdjustEvery(3),
		WithFillWait(0),
		WithTicker(func(time.Duration) Ticker { return stoppedTicker{} }),
		withRecommender(func(*QualityMonitor) time.Duration {
			calls++
			return 20 * time.Millisecond
		}),
	)
	defer b.Destroy()
	b.StartPlayback()

	b.mu.Lock()
	task := b.task
	b.mu.Unlock()
	for range 6 {
		b.tick(task)
	}

	if calls != 2 {
		t.Errorf("recommend calls = %d, want 2", calls)
	}
	if got := b.Config().Target; got != DefaultTarget+40*time.Millisecond {
		t.Errorf("Target = %v, want %v", got, DefaultTarget+40*time.Millisecond)
	}
}

func TestBuffer_StaleTickIgnored(t *testing.T) {
	t.Parallel()

	b := New(nil, DefaultConfig(), WithFillWait(0), WithTicker(func(time.Duration) Ticker {
		return stoppedTicker{}
	}))
	defer b.Destroy()

	b.StartPlayback()
	b.mu.Lock()
	stale := b.task
	b.mu.Unlock()
	b.StopPlayback()
	b.StartPlayback()

	b.tick(stale)
	if got := b.HealthMetrics().UnderrunCount; got != 0 {
		t.Errorf("stale tick recorded %d underruns, want 0", got)
	}
}

func TestDispatcher_ReportsSinkErrors(t *testing.T) {
	t.Parallel()

	sinkErr := errors.New("device gone")
	var (
		mu     sync.Mutex
		guards int
		errs   []error
	)
	done := make(chan struct{}, 1)
	d := newDispatcher(
		audio.FrameSinkFunc(func(context.Context, []byte, string, audio.Encoding) error { return sinkErr }),
		func(call func() error) error {
			mu.Lock()
			guards++
			mu.Unlock()
			return call()
		},
		func(_ string, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			done <- struct{}{}
		},
	)
	defer d.close()

	if !d.submit(dispatchItem{data: []byte{1, 2}, turnID: "t"}) {
		t.Fatal("submit() = false on empty queue")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onError not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if guards != 1 {
		t.Errorf("guard calls = %d, want 1", guards)
	}
	if len(errs) != 1 || !errors.Is(errs[0], sinkErr) {
		t.Errorf("errors = %v, want [%v]", errs, sinkErr)
	}
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	d := newDispatcher(audio.FrameSinkFunc(func(context.Context, []byte, string, audio.Encoding) error { return nil }), nil, nil)
	d.close()
	d.close()
	if d.submit(dispatchItem{}) {
		t.Error("submit() = true after close")
	}
	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Error("dispatch goroutine did not exit")
	}
}

// stoppedTicker never fires; tests drive tick directly.
type stoppedTicker struct{}

func (stoppedTicker) C() <-chan time.Time { return nil }
func (stoppedTicker) Stop()               {}
