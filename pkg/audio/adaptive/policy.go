// Package adaptive decides, per conversational turn, whether audio should be
// played through a jitter buffer or passed straight to the sink.
//
// A [Policy] starts disabled: chunks bypass buffering and go to the caller's
// [DirectPlayFunc]. When the configured [Mode] judges the network conditions
// bad enough, the policy lazily creates a [jitter.Buffer] and routes every
// later chunk through it. Decisions are revisited on the first chunk of a turn
// and at most every [ReevaluateInterval] afterwards.
package adaptive

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

// ReevaluateInterval is the longest a buffering decision is kept before the
// next chunk triggers a fresh one.
const ReevaluateInterval = 5 * time.Second

// DirectPlayFunc receives chunks that bypass buffering. audioData is the
// chunk's encoded payload, unchanged.
type DirectPlayFunc func(audioData string, turnID string, enc audio.Encoding)

// Config is the construction-time configuration of a [Policy].
type Config struct {
	// Mode selects the decision function. Empty means [ModeBalanced].
	Mode Mode

	// Network are the initial network conditions.
	Network NetworkConditions

	// Thresholds normalise signals in [ModeAdaptive].
	Thresholds Thresholds

	// Buffer sizes the jitter buffer once buffering is enabled. The zero
	// value means [jitter.DefaultConfig].
	Buffer jitter.BufferConfig
}

// Option configures a [Policy].
type Option func(*Policy)

// WithClock replaces the clock used for re-evaluation timing.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBufferOptions passes opts to every [jitter.Buffer] the policy creates.
func WithBufferOptions(opts ...jitter.Option) Option {
	return func(p *Policy) {
		p.bufferOpts = append(p.bufferOpts, opts...)
	}
}

// WithHooks installs buffer hooks. The policy chains its own drain detection
// onto OnDepth. Hooks may run while the policy lock is held and must not call
// back into the Policy.
func WithHooks(h jitter.Hooks) Option {
	return func(p *Policy) {
		p.hooks = h
	}
}

// WithReevaluateInterval overrides [ReevaluateInterval].
func WithReevaluateInterval(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.reevaluate = d
		}
	}
}

// Policy owns the buffering decision and, while enabled, the jitter buffer
// of a stream. All methods are safe for concurrent use.
//
// Disabling never drops or reorders audio. When a re-evaluation decides to
// stop buffering while frames are still queued, the buffer stays in place
// and keeps taking new chunks until playback has emptied it; only then are
// chunks passed to the [DirectPlayFunc]. A later decision to buffer again
// cancels the pending disable. Under a steady stream the queue may not empty
// until the turn ends.
type Policy struct {
	sink       audio.FrameSink
	now        func() time.Time
	reevaluate time.Duration
	bufferOpts []jitter.Option
	hooks      jitter.Hooks

	mu         sync.Mutex
	mode       Mode
	network    NetworkConditions
	thresholds Thresholds
	bufCfg     jitter.BufferConfig
	buf        *jitter.Buffer
	lastEval   time.Time
	evaluated  bool
	destroyed  bool

	// draining is set while a disable decision waits for the queue to empty.
	draining atomic.Bool
}

// New returns a disabled Policy playing buffered audio into sink.
func New(sink audio.FrameSink, cfg Config, opts ...Option) *Policy {
	mode := cfg.Mode
	if !mode.IsValid() {
		if mode != "" {
			slog.Warn("adaptive: unknown mode, using balanced", "mode", mode)
		}
		mode = ModeBalanced
	}
	bufCfg := cfg.Buffer
	if bufCfg == (jitter.BufferConfig{}) {
		bufCfg = jitter.DefaultConfig()
	}
	p := &Policy{
		sink:       sink,
		now:        time.Now,
		reevaluate: ReevaluateInterval,
		mode:       mode,
		network:    NetworkConditions{}.Merge(cfg.Network),
		thresholds: cfg.Thresholds.withDefaults(),
		bufCfg:     bufCfg,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessAudioChunk routes chunk either through the jitter buffer or to
// direct. The buffering decision is re-evaluated on the first chunk of a turn
// and once the last decision is older than the re-evaluation interval.
func (p *Policy) ProcessAudioChunk(chunk audio.Chunk, direct DirectPlayFunc) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		slog.Warn("adaptive: chunk for destroyed policy", "turn_id", chunk.TurnID)
		return
	}

	now := p.now()
	if chunk.IsFirst || !p.evaluated || now.Sub(p.lastEval) > p.reevaluate {
		p.evaluateLocked(chunk.TurnID, now)
	}
	if p.draining.Load() && p.buf != nil && p.buf.CurrentBuffer() == 0 {
		p.teardownLocked("queue drained")
	}

	buf := p.buf
	if buf == nil {
		p.mu.Unlock()
		if direct != nil {
			direct(chunk.AudioData, chunk.TurnID, chunk.Encoding.OrDefault())
		}
		return
	}
	defer p.mu.Unlock()

	// Enqueue under p.mu so a concurrent teardown cannot destroy buf first.
	buf.Enqueue(chunk)
	buf.StartPlayback()
}

// evaluateLocked runs the decision function and moves between the disabled
// and enabled states.
func (p *Policy) evaluateLocked(turnID string, now time.Time) {
	var observed time.Duration
	if p.buf != nil {
		observed = p.buf.HealthMetrics().AverageJitter
	}
	want := ShouldBuffer(p.mode, p.network, p.thresholds, observed)
	p.lastEval = now
	p.evaluated = true

	switch {
	case want && p.buf == nil:
		p.buf = jitter.New(p.sink, p.bufCfg, p.newBufferOptions(turnID)...)
		slog.Info("adaptive: buffering enabled",
			"turn_id", turnID,
			"mode", p.mode,
			"target", p.bufCfg.Target,
		)
	case want:
		if p.draining.Swap(false) {
			slog.Debug("adaptive: disable cancelled", "turn_id", turnID)
		}
	case p.buf != nil:
		if p.buf.CurrentBuffer() == 0 {
			p.teardownLocked("conditions improved")
			return
		}
		if !p.draining.Swap(true) {
			slog.Debug("adaptive: disabling after queue drains",
				"turn_id", turnID,
				"depth", p.buf.CurrentBuffer(),
			)
		}
	}
}

func (p *Policy) newBufferOptions(turnID string) []jitter.Option {
	hooks := p.hooks
	userDepth := hooks.OnDepth
	hooks.OnDepth = func(turn string, depth time.Duration) {
		if userDepth != nil {
			userDepth(turn, depth)
		}
		// Runs under the buffer lock; hand off to a goroutine.
		if depth == 0 && p.draining.CompareAndSwap(true, false) {
			go p.finishDrain()
		}
	}
	opts := make([]jitter.Option, 0, len(p.bufferOpts)+2)
	opts = append(opts, jitter.WithTurn(turnID, audio.EncodingPCM16))
	opts = append(opts, p.bufferOpts...)
	return append(opts, jitter.WithHooks(hooks))
}

// finishDrain tears down the buffer once a pending disable sees it empty.
func (p *Policy) finishDrain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return
	}
	if p.buf.CurrentBuffer() > 0 {
		p.draining.Store(true)
		return
	}
	p.teardownLocked("queue drained")
}

func (p *Policy) teardownLocked(reason string) {
	if p.buf == nil {
		return
	}
	turnID := p.buf.TurnID()
	metrics := p.buf.HealthMetrics()
	p.buf.Destroy()
	p.buf = nil
	p.draining.Store(false)
	slog.Info("adaptive: buffering disabled",
		"turn_id", turnID,
		"reason", reason,
		"underruns", metrics.UnderrunCount,
		"overruns", metrics.OverrunCount,
	)
}

// UpdateNetworkConditions merges u into the stored conditions. They take
// effect at the next re-evaluation.
func (p *Policy) UpdateNetworkConditions(u NetworkConditions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.network = p.network.Merge(u)
}

// NetworkConditions returns a copy of the stored conditions.
func (p *Policy) NetworkConditions() NetworkConditions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NetworkConditions{}.Merge(p.network)
}

// SetMode changes the decision function. It takes effect at the next
// re-evaluation. Unknown modes are ignored.
func (p *Policy) SetMode(m Mode) {
	if !m.IsValid() {
		slog.Warn("adaptive: ignoring unknown mode", "mode", m)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = m
}

// SetThresholds replaces the adaptive-mode thresholds.
func (p *Policy) SetThresholds(t Thresholds) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds = t.withDefaults()
}

// Mode returns the current mode.
func (p *Policy) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// IsBufferingEnabled reports whether a jitter buffer currently exists.
func (p *Policy) IsBufferingEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf != nil
}

// Buffer returns the live jitter buffer, or nil while disabled.
func (p *Policy) Buffer() *jitter.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf
}

// HealthMetrics returns the buffer's metrics while enabled and an idle zero
// snapshot otherwise.
func (p *Policy) HealthMetrics() jitter.QualityMetrics {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf == nil {
		return jitter.QualityMetrics{HealthState: jitter.HealthIdle}
	}
	return buf.HealthMetrics()
}

// Destroy tears down the buffer if one exists. The policy accepts no chunks
// afterwards. Destroy is idempotent.
func (p *Policy) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked("destroyed")
	p.destroyed = true
}
