package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// ErrSinkNotRegistered is returned by [Registry.CreateSink] when no factory has
// been registered under the requested sink name.
var ErrSinkNotRegistered = errors.New("config: sink not registered")

// SinkFactory constructs a frame sink for PCM in format f.
type SinkFactory func(entry SinkEntry, f audio.Format) (audio.FrameSink, error)

// Registry maps sink names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]SinkFactory),
	}
}

// RegisterSink registers a sink factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSink instantiates a sink using the factory registered under entry.Name.
// Returns [ErrSinkNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSink(entry SinkEntry, f audio.Format) (audio.FrameSink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSinkNotRegistered, entry.Name)
	}
	return factory(entry, f)
}

// SinkNames returns the registered sink names in sorted order.
func (r *Registry) SinkNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OptionInt reads an integer option from the sink entry. YAML numbers decode
// as int; floats are truncated. Returns def when absent or not numeric.
func (e SinkEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// OptionString reads a string option from the sink entry.
func (e SinkEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}
