package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

var errTest = errors.New("test error")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestBreaker returns a breaker on a manual clock that opens after two
// failures, resets after one second and closes after two good probes.
func newTestBreaker(t *testing.T, onChange func(from, to State)) (*CircuitBreaker, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "test",
		MaxFailures:   2,
		ResetTimeout:  time.Second,
		HalfOpenMax:   2,
		OnStateChange: onChange,
		Now:           clk.Now,
	})
	return cb, clk
}

type chanTicker chan time.Time

func (c chanTicker) C() <-chan time.Time { return c }
func (chanTicker) Stop()                 {}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(t, nil)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 2 failures", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
	if err := cb.Check(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(t, nil)

	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}
}

func TestCircuitBreaker_CancelledCallsAreNeutral(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(t, nil)

	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{name: "probes succeed", probes: []func() error{succeed, succeed}, want: StateClosed},
		{name: "one probe ok", probes: []func() error{succeed}, want: StateHalfOpen},
		{name: "probe fails", probes: []func() error{succeed, fail}, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb, clk := newTestBreaker(t, nil)
			_ = cb.Execute(fail)
			_ = cb.Execute(fail)

			clk.Advance(999 * time.Millisecond)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before timeout, want open", cb.State())
			}
			clk.Advance(time.Millisecond)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after timeout, want half-open", cb.State())
			}

			for _, p := range tt.probes {
				_ = cb.Execute(p)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()
	cb, clk := newTestBreaker(t, nil)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { <-release; return nil })
		}()
	}

	// Wait until both probes are in flight.
	deadline := time.Now().Add(time.Second)
	for {
		cb.mu.Lock()
		inFlight := cb.halfOpenCalls
		cb.mu.Unlock()
		if inFlight == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probes did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	wg.Wait()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	cb, clk := newTestBreaker(t, func(from, to State) {
		mu.Lock()
		got = append(got, from.String()+">"+to.String())
		mu.Unlock()
	})

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(time.Second)
	_ = cb.Execute(fail)
	cb.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>open", "open>closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(t, nil)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if err := cb.Check(context.Background()); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestCircuitBreaker_GuardsBufferSink(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(t, nil)

	var calls int
	var mu sync.Mutex
	sink := audio.FrameSinkFunc(func(context.Context, []byte, string, audio.Encoding) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errTest
	})

	ticks := chanTicker(make(chan time.Time))
	buf := jitter.New(sink, jitter.DefaultConfig(),
		jitter.WithSinkGuard(cb.Guard()),
		jitter.WithFillWait(0),
		jitter.WithTicker(func(time.Duration) jitter.Ticker { return ticks }),
	)
	t.Cleanup(buf.Destroy)
	buf.StartPlayback()

	for range 5 {
		ticks <- time.Now()
	}

	deadline := time.Now().Add(2 * time.Second)
	for cb.State() != StateOpen {
		if time.Now().After(deadline) {
			t.Fatal("breaker did not open")
		}
		time.Sleep(time.Millisecond)
	}
	// Let the remaining queued frames reach the guard.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("sink calls = %d, want 2 before the breaker opened", calls)
	}
}
