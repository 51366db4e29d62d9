package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/turnplay/internal/observe"
	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

var (
	// ErrTurnFinished is returned by [TurnManager.Route] for chunks that
	// arrive after their turn ended.
	ErrTurnFinished = errors.New("turn already finished")

	// ErrClosed is returned by [TurnManager.Route] after Close.
	ErrClosed = errors.New("turn manager closed")
)

const (
	// defaultFinishedMemory is how many ended turn ids are remembered.
	defaultFinishedMemory = 256

	// directPlayTimeout bounds one bypass PlayFrame call.
	directPlayTimeout = 2 * time.Second
)

// PolicyDefaults are the settings applied to every new turn. Hot reload
// replaces them and pushes the policy-level ones into live turns.
type PolicyDefaults struct {
	Mode       adaptive.Mode
	Network    adaptive.NetworkConditions
	Thresholds adaptive.Thresholds
	Buffer     jitter.BufferConfig

	// FillWait and AdjustEvery override the buffer defaults when set.
	FillWait    *time.Duration
	AdjustEvery *int

	// InterruptOnNewTurn ends every live turn when a new one starts.
	InterruptOnNewTurn bool
}

// TurnStatus is the JSON view of one live turn.
type TurnStatus struct {
	TurnID      string    `json:"turn_id"`
	StartedAt   time.Time `json:"started_at"`
	Chunks      int       `json:"chunks"`
	Final       bool      `json:"final"`
	Mode        string    `json:"mode"`
	Buffering   bool      `json:"buffering"`
	Health      string    `json:"health"`
	CurrentMs   float64   `json:"current_buffer_ms"`
	TargetMs    float64   `json:"target_buffer_ms"`
	JitterMs    float64   `json:"average_jitter_ms"`
	Underruns   int       `json:"underruns"`
	Overruns    int       `json:"overruns"`
	Adjustments int       `json:"adaptive_adjustments"`
}

type turn struct {
	id       string
	policy   *adaptive.Policy
	started  time.Time
	chunks   int
	final    bool
	buffered bool
}

// TurnManagerOption configures a [TurnManager].
type TurnManagerOption func(*TurnManager)

// WithTurnMetrics records turn and chunk metrics on m and installs its
// buffer hooks.
func WithTurnMetrics(m *observe.Metrics) TurnManagerOption {
	return func(tm *TurnManager) { tm.metrics = m }
}

// WithTurnBufferOptions passes extra options to every jitter buffer.
func WithTurnBufferOptions(opts ...jitter.Option) TurnManagerOption {
	return func(tm *TurnManager) { tm.bufferOpts = append(tm.bufferOpts, opts...) }
}

// WithDirectGuard wraps bypass sink calls, like [jitter.WithSinkGuard] does
// for buffered ones.
func WithDirectGuard(g jitter.SinkGuard) TurnManagerOption {
	return func(tm *TurnManager) { tm.guard = g }
}

// WithDefaultEncoding sets the encoding of chunks that carry none.
// Default: [audio.EncodingPCM16].
func WithDefaultEncoding(enc audio.Encoding) TurnManagerOption {
	return func(tm *TurnManager) {
		if enc.IsValid() {
			tm.encoding = enc
		}
	}
}

// WithFinishedMemory sets how many ended turn ids are remembered so their
// late chunks can be refused. Default: 256.
func WithFinishedMemory(n int) TurnManagerOption {
	return func(tm *TurnManager) {
		if n > 0 {
			tm.finishedSize = n
		}
	}
}

// WithDrainLimit caps how long a finished turn may keep playing queued audio.
// Default: the maximum buffer plus one second.
func WithDrainLimit(d time.Duration) TurnManagerOption {
	return func(tm *TurnManager) { tm.drainLimit = d }
}

// TurnManager routes chunks to one [adaptive.Policy] per turn id. A final
// chunk lets the turn's queued audio play out before its policy is destroyed.
// All methods are safe for concurrent use.
type TurnManager struct {
	sink         audio.FrameSink
	guard        jitter.SinkGuard
	encoding     audio.Encoding
	metrics      *observe.Metrics
	bufferOpts   []jitter.Option
	finishedSize int
	drainLimit   time.Duration

	mu       sync.Mutex
	defaults PolicyDefaults
	turns    map[string]*turn
	finished *lru.Cache[string, time.Time]
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTurnManager creates a [TurnManager] playing into sink.
func NewTurnManager(sink audio.FrameSink, defaults PolicyDefaults, opts ...TurnManagerOption) (*TurnManager, error) {
	tm := &TurnManager{
		sink:         sink,
		encoding:     audio.EncodingPCM16,
		finishedSize: defaultFinishedMemory,
		defaults:     defaults,
		turns:        make(map[string]*turn),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(tm)
	}
	finished, err := lru.New[string, time.Time](tm.finishedSize)
	if err != nil {
		return nil, fmt.Errorf("app: finished turn cache: %w", err)
	}
	tm.finished = finished
	return tm, nil
}

// Route hands chunk to its turn's policy, creating the turn on first sight.
func (tm *TurnManager) Route(ctx context.Context, chunk audio.Chunk) error {
	if chunk.Encoding == "" {
		chunk.Encoding = tm.encoding
	}
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return ErrClosed
	}
	if _, ok := tm.finished.Get(chunk.TurnID); ok {
		tm.mu.Unlock()
		tm.reject(ctx, "finished_turn")
		return fmt.Errorf("app: turn %q: %w", chunk.TurnID, ErrTurnFinished)
	}

	t, ok := tm.turns[chunk.TurnID]
	var interrupted []*turn
	if !ok {
		if tm.defaults.InterruptOnNewTurn {
			for id, old := range tm.turns {
				delete(tm.turns, id)
				tm.finished.Add(id, time.Now())
				interrupted = append(interrupted, old)
			}
		}
		t = tm.newTurnLocked(chunk.TurnID)
	}
	if t.final {
		tm.mu.Unlock()
		tm.reject(ctx, "after_final")
		return fmt.Errorf("app: turn %q: chunk after final: %w", chunk.TurnID, ErrTurnFinished)
	}
	t.chunks++
	if chunk.IsFinal {
		t.final = true
		tm.wg.Add(1)
	}
	tm.mu.Unlock()

	for _, old := range interrupted {
		tm.closeTurn(old, "interrupted")
	}

	routedDirect := false
	t.policy.ProcessAudioChunk(chunk, func(data, turnID string, enc audio.Encoding) {
		routedDirect = true
		tm.playDirect(ctx, data, turnID, enc)
	})
	if tm.metrics != nil {
		route := "buffered"
		if routedDirect {
			route = "direct"
		}
		tm.metrics.RecordChunk(ctx, route)
	}
	tm.syncBuffered(ctx, t)

	if chunk.IsFinal {
		go tm.drainAndEnd(t)
	}
	return nil
}

func (tm *TurnManager) newTurnLocked(id string) *turn {
	d := tm.defaults
	var bufOpts []jitter.Option
	if d.FillWait != nil {
		bufOpts = append(bufOpts, jitter.WithFillWait(*d.FillWait))
	}
	if d.AdjustEvery != nil {
		bufOpts = append(bufOpts, jitter.WithAdjustEvery(*d.AdjustEvery))
	}
	bufOpts = append(bufOpts, tm.bufferOpts...)

	opts := []adaptive.Option{adaptive.WithBufferOptions(bufOpts...)}
	if tm.metrics != nil {
		opts = append(opts, adaptive.WithHooks(tm.metrics.JitterHooks()))
		tm.metrics.ActiveTurns.Add(context.Background(), 1)
	}
	t := &turn{
		id: id,
		policy: adaptive.New(tm.sink, adaptive.Config{
			Mode:       d.Mode,
			Network:    d.Network,
			Thresholds: d.Thresholds,
			Buffer:     d.Buffer,
		}, opts...),
		started: time.Now(),
	}
	tm.turns[id] = t
	slog.Debug("app: turn started", "turn_id", id, "mode", d.Mode)
	return t
}

// playDirect is the bypass path: decode and hand the whole chunk to the sink.
func (tm *TurnManager) playDirect(ctx context.Context, data, turnID string, enc audio.Encoding) {
	pcm, err := jitter.DecodeAudioData(data)
	if err != nil {
		observe.TurnLogger(ctx, turnID).Warn("app: dropping undecodable chunk", "err", err)
		tm.reject(ctx, "undecodable")
		return
	}
	if len(pcm) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directPlayTimeout)
	defer cancel()
	call := func() error { return tm.sink.PlayFrame(ctx, pcm, turnID, enc) }
	if tm.guard != nil {
		err = tm.guard(call)
	} else {
		err = call()
	}
	if err != nil {
		observe.TurnLogger(ctx, turnID).Warn("app: direct playback failed", "err", err)
		if tm.metrics != nil {
			tm.metrics.SinkErrors.Add(ctx, 1)
		}
	}
}

// syncBuffered keeps the buffered-turns gauge in line with the policy.
func (tm *TurnManager) syncBuffered(ctx context.Context, t *turn) {
	now := t.policy.IsBufferingEnabled()
	tm.mu.Lock()
	changed := now != t.buffered
	t.buffered = now
	tm.mu.Unlock()
	if !changed || tm.metrics == nil {
		return
	}
	if now {
		tm.metrics.BufferedTurns.Add(ctx, 1)
	} else {
		tm.metrics.BufferedTurns.Add(ctx, -1)
	}
}

// drainAndEnd waits until the turn's queued audio has been dispatched, then
// ends the turn.
func (tm *TurnManager) drainAndEnd(t *turn) {
	defer tm.wg.Done()

	interval := jitter.DefaultFrameInterval
	if buf := t.policy.Buffer(); buf != nil {
		interval = buf.Config().FrameInterval
	}
	limit := tm.drainLimit
	if limit <= 0 {
		limit = tm.bufferMax() + time.Second
	}

	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reason := "completed"
loop:
	for {
		if t.policy.HealthMetrics().CurrentBuffer == 0 {
			// One more interval so the last frame leaves the dispatcher.
			select {
			case <-ticker.C:
			case <-tm.done:
			}
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			reason = "drain timeout"
			break loop
		case <-tm.done:
			reason = "shutdown"
			break loop
		}
	}
	tm.endTurn(t.id, reason)
}

func (tm *TurnManager) bufferMax() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.defaults.Buffer.Max > 0 {
		return tm.defaults.Buffer.Max
	}
	return jitter.DefaultMax
}

// EndTurn ends turnID immediately, discarding queued audio. It reports
// whether the turn was live.
func (tm *TurnManager) EndTurn(turnID string) bool {
	return tm.endTurn(turnID, "ended")
}

func (tm *TurnManager) endTurn(turnID, reason string) bool {
	tm.mu.Lock()
	t, ok := tm.turns[turnID]
	if ok {
		delete(tm.turns, turnID)
		tm.finished.Add(turnID, time.Now())
	}
	tm.mu.Unlock()
	if ok {
		tm.closeTurn(t, reason)
	}
	return ok
}

// closeTurn destroys a turn already removed from the map.
func (tm *TurnManager) closeTurn(t *turn, reason string) {
	m := t.policy.HealthMetrics()
	t.policy.Destroy()

	ctx := context.Background()
	tm.mu.Lock()
	wasBuffered := t.buffered
	t.buffered = false
	tm.mu.Unlock()
	if tm.metrics != nil {
		tm.metrics.ActiveTurns.Add(ctx, -1)
		if wasBuffered {
			tm.metrics.BufferedTurns.Add(ctx, -1)
		}
	}
	slog.Info("app: turn ended",
		"turn_id", t.id,
		"reason", reason,
		"chunks", t.chunks,
		"duration", time.Since(t.started),
		"underruns", m.UnderrunCount,
		"overruns", m.OverrunCount,
	)
}

// UpdateNetworkConditions merges n into the defaults for new turns and into
// every live turn's policy.
func (tm *TurnManager) UpdateNetworkConditions(n adaptive.NetworkConditions) {
	tm.mu.Lock()
	tm.defaults.Network = tm.defaults.Network.Merge(n)
	live := tm.liveLocked()
	tm.mu.Unlock()

	for _, t := range live {
		t.policy.UpdateNetworkConditions(n)
	}
}

// Apply installs new defaults. Mode, thresholds and network changes reach
// live turns at their next re-evaluation; buffer sizes only affect new turns.
func (tm *TurnManager) Apply(d PolicyDefaults) {
	tm.mu.Lock()
	old := tm.defaults
	tm.defaults = d
	live := tm.liveLocked()
	tm.mu.Unlock()

	for _, t := range live {
		if d.Mode != old.Mode {
			t.policy.SetMode(d.Mode)
		}
		if d.Thresholds != old.Thresholds {
			t.policy.SetThresholds(d.Thresholds)
		}
		if !d.Network.IsZero() {
			t.policy.UpdateNetworkConditions(d.Network)
		}
	}
}

// Defaults returns the settings applied to new turns.
func (tm *TurnManager) Defaults() PolicyDefaults {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	d := tm.defaults
	d.Network = adaptive.NetworkConditions{}.Merge(d.Network)
	return d
}

// Snapshot returns the status of every live turn, ordered by start time.
func (tm *TurnManager) Snapshot() []TurnStatus {
	tm.mu.Lock()
	type view struct {
		t      *turn
		chunks int
		final  bool
	}
	views := make([]view, 0, len(tm.turns))
	for _, t := range tm.turns {
		views = append(views, view{t, t.chunks, t.final})
	}
	tm.mu.Unlock()

	out := make([]TurnStatus, 0, len(views))
	for _, v := range views {
		m := v.t.policy.HealthMetrics()
		out = append(out, TurnStatus{
			TurnID:      v.t.id,
			StartedAt:   v.t.started,
			Chunks:      v.chunks,
			Final:       v.final,
			Mode:        string(v.t.policy.Mode()),
			Buffering:   v.t.policy.IsBufferingEnabled(),
			Health:      m.HealthState.String(),
			CurrentMs:   ms(m.CurrentBuffer),
			TargetMs:    ms(m.TargetBuffer),
			JitterMs:    ms(m.AverageJitter),
			Underruns:   m.UnderrunCount,
			Overruns:    m.OverrunCount,
			Adjustments: m.AdaptiveAdjustments,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TurnID < out[j].TurnID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close ends every live turn and waits for pending drains. Route fails with
// [ErrClosed] afterwards. Close is idempotent.
func (tm *TurnManager) Close() {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return
	}
	tm.closed = true
	close(tm.done)
	tm.mu.Unlock()

	tm.wg.Wait()

	tm.mu.Lock()
	live := tm.liveLocked()
	clear(tm.turns)
	tm.mu.Unlock()
	for _, t := range live {
		tm.closeTurn(t, "shutdown")
	}
}

func (tm *TurnManager) liveLocked() []*turn {
	live := make([]*turn, 0, len(tm.turns))
	for _, t := range tm.turns {
		live = append(live, t)
	}
	return live
}

func (tm *TurnManager) reject(ctx context.Context, reason string) {
	if tm.metrics != nil {
		tm.metrics.RecordRejectedChunk(ctx, reason)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
