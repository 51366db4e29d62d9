// Package mock provides an in-memory [audio.FrameSink] for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests can
// assert on call counts and arguments, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	sink := mock.NewSink()
//	buf := jitter.New(sink, jitter.DefaultConfig())
//	...
//	call := sink.Wait(t, time.Second)
package mock

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// PlayCall records the arguments of a single [Sink.PlayFrame] invocation.
type PlayCall struct {
	// Data is a copy of the frame bytes.
	Data []byte

	// TurnID is the turn id passed to PlayFrame.
	TurnID string

	// Encoding is the encoding passed to PlayFrame.
	Encoding audio.Encoding
}

// Silent reports whether every byte of the recorded frame is zero.
func (c PlayCall) Silent() bool {
	for _, b := range c.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Sink is a mock implementation of [audio.FrameSink].
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by every PlayFrame call.
	PlayError error

	// Calls records all PlayFrame invocations in call order.
	Calls []PlayCall

	notify chan PlayCall
}

// NewSink returns a Sink whose calls can also be awaited with [Sink.Wait].
func NewSink() *Sink {
	return &Sink{notify: make(chan PlayCall, 1024)}
}

// PlayFrame implements [audio.FrameSink]. Records the call and returns PlayError.
func (s *Sink) PlayFrame(_ context.Context, data []byte, turnID string, enc audio.Encoding) error {
	call := PlayCall{Data: slices.Clone(data), TurnID: turnID, Encoding: enc}

	s.mu.Lock()
	s.Calls = append(s.Calls, call)
	err := s.PlayError
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		select {
		case notify <- call:
		default:
		}
	}
	return err
}

// CallCount returns the number of recorded PlayFrame calls.
func (s *Sink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Snapshot returns a copy of the recorded calls.
func (s *Sink) Snapshot() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Calls)
}

// Wait blocks until the next PlayFrame call or fails the test after timeout.
// The Sink must have been created with [NewSink].
func (s *Sink) Wait(t testing.TB, timeout time.Duration) PlayCall {
	t.Helper()
	select {
	case c := <-s.notify:
		return c
	case <-time.After(timeout):
		t.Fatalf("mock sink: no PlayFrame call within %v", timeout)
		return PlayCall{}
	}
}

// ExpectNone fails the test if a PlayFrame call arrives within d.
func (s *Sink) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case c := <-s.notify:
		t.Fatalf("mock sink: unexpected PlayFrame call (turn=%q, %d bytes)", c.TurnID, len(c.Data))
	case <-time.After(d):
	}
}
