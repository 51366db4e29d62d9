// Package jitter implements the adaptive jitter buffer that sits between a
// stream of independently-arriving audio chunks and a real-time [audio.FrameSink].
//
// A [Buffer] decodes chunks into fixed-interval frames with a [FrameProcessor],
// queues them, and plays them out on a fixed cadence. A [QualityMonitor]
// observes every enqueue, dequeue, underrun and overrun; its recommendations
// feed back into the buffer's target depth. Starvation is covered with
// synthetic silence and overflow is corrected by dropping the oldest frames,
// so the cadence never stalls.
//
// No exported operation in this package returns an error or panics on bad
// input or torn-down state: the buffer sits on a real-time playback path where
// an exception would cause an audible gap. Anomalies are logged and counted.
package jitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
)

// DefaultAdjustEvery is the number of cadence ticks between two runs of the
// adaptive feedback loop (one second at 20 ms).
const DefaultAdjustEvery = 50

// QualityMetrics is a point-in-time view of a buffer's health.
type QualityMetrics struct {
	CurrentBuffer       time.Duration
	TargetBuffer        time.Duration
	UnderrunCount       int
	OverrunCount        int
	AverageJitter       time.Duration
	HealthState         HealthState
	AdaptiveAdjustments int
}

// Hooks are optional callbacks invoked as the buffer works. They run with the
// buffer's lock held (OnSinkError excepted), so they must be fast and must not
// call back into the buffer.
type Hooks struct {
	OnUnderrun  func(turnID string)
	OnOverrun   func(turnID string, dropped int)
	OnDispatch  func(turnID string, silence bool)
	OnAdjust    func(turnID string, from, to time.Duration)
	OnDepth     func(turnID string, depth time.Duration)
	OnSinkError func(turnID string, err error)
}

// Option configures a [Buffer] during construction.
type Option func(*Buffer)

// WithFormat sets the PCM format of incoming audio. Default: [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(b *Buffer) {
		if f.SampleRate > 0 && f.Channels > 0 {
			b.format = f
		}
	}
}

// WithTurn sets the turn id and encoding used before the first chunk arrives.
func WithTurn(turnID string, enc audio.Encoding) Option {
	return func(b *Buffer) {
		b.turnID = turnID
		b.enc = enc.OrDefault()
	}
}

// WithTicker replaces the cadence ticker factory.
func WithTicker(f TickerFunc) Option {
	return func(b *Buffer) {
		if f != nil {
			b.newTicker = f
		}
	}
}

// WithFillWait bounds how long playback waits for the buffer to fill before
// the first frame. Zero starts the cadence immediately. Default: the target
// buffer size.
func WithFillWait(d time.Duration) Option {
	return func(b *Buffer) {
		b.fillWait = max(d, 0)
		b.fillWaitSet = true
	}
}

// WithAdjustEvery sets how many ticks pass between adaptive adjustments.
// Zero disables the automatic feedback loop.
func WithAdjustEvery(n int) Option {
	return func(b *Buffer) {
		b.adjustEvery = max(n, 0)
	}
}

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(b *Buffer) {
		b.hooks = h
	}
}

// WithSinkGuard wraps every frame sink call with guard.
func WithSinkGuard(guard SinkGuard) Option {
	return func(b *Buffer) {
		b.guard = guard
	}
}

// WithClock replaces the wall clock used for arrival stamps and event windows.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// withRecommender replaces the monitor's recommendation in the adaptive loop.
func withRecommender(f func(*QualityMonitor) time.Duration) Option {
	return func(b *Buffer) { b.recommend = f }
}

// bufferState is either *activeState or destroyedState.
type bufferState interface {
	isBufferState()
}

type activeState struct {
	proc    *FrameProcessor
	monitor *QualityMonitor
	out     *dispatcher
	queue   []audio.AudioFrame
	depth   time.Duration
}

type destroyedState struct{}

func (*activeState) isBufferState()   {}
func (destroyedState) isBufferState() {}

// pop removes the oldest queued frame.
func (st *activeState) pop() audio.AudioFrame {
	f := st.queue[0]
	st.queue[0] = audio.AudioFrame{}
	st.queue = st.queue[1:]
	st.depth -= f.Duration
	if len(st.queue) == 0 {
		st.queue = nil
		st.depth = 0
	}
	return f
}

func (st *activeState) clear() {
	st.queue = nil
	st.depth = 0
}

// Buffer owns the frame queue and the playback cadence of a single turn.
//
// All exported methods are safe for concurrent use and never block on the
// frame sink.
type Buffer struct {
	format      audio.Format
	newTicker   TickerFunc
	fillWait    time.Duration
	fillWaitSet bool
	adjustEvery int
	hooks       Hooks
	guard       SinkGuard
	now         func() time.Time

	mu      sync.Mutex
	cfg     BufferConfig
	state   bufferState
	turnID  string
	enc     audio.Encoding
	playing bool
	task    *PeriodicTask
	ticks   int

	recommend func(*QualityMonitor) time.Duration
}

// New creates a Buffer that plays frames into sink. cfg is normalised so
// that Min <= Target <= Max holds. A nil sink discards all audio.
func New(sink audio.FrameSink, cfg BufferConfig, opts ...Option) *Buffer {
	b := &Buffer{
		format:      audio.DefaultFormat,
		newTicker:   NewTimeTicker,
		adjustEvery: DefaultAdjustEvery,
		now:         time.Now,
		recommend:   (*QualityMonitor).RecommendedAdjustment,
		cfg:         cfg.normalized(),
		enc:         audio.EncodingPCM16,
	}
	for _, o := range opts {
		o(b)
	}
	if !b.fillWaitSet {
		b.fillWait = b.cfg.Target
	}
	if sink == nil {
		sink = audio.FrameSinkFunc(func(context.Context, []byte, string, audio.Encoding) error { return nil })
	}

	proc := NewFrameProcessor(b.format, b.cfg.FrameInterval)
	proc.now = b.now
	monitor := NewQualityMonitor(b.cfg.FrameInterval)
	monitor.now = b.now

	b.state = &activeState{
		proc:    proc,
		monitor: monitor,
		out:     newDispatcher(sink, b.guard, b.hooks.OnSinkError),
	}
	return b
}

// Enqueue decodes chunk and appends its frames. If the buffered depth then
// exceeds the configured maximum, the oldest frames are dropped and a single
// overrun is recorded.
func (b *Buffer) Enqueue(chunk audio.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state.(*activeState)
	if !ok {
		slog.Warn("jitter: enqueue on destroyed buffer", "turn_id", chunk.TurnID)
		return
	}
	if chunk.TurnID != "" {
		b.turnID = chunk.TurnID
	}
	if chunk.Encoding != "" {
		b.enc = chunk.Encoding
	}

	frames := st.proc.ParseChunk(chunk)
	if len(frames) == 0 {
		return
	}
	for _, f := range frames {
		st.monitor.RecordFrameArrival(f.CapturedAt)
		st.queue = append(st.queue, f)
		st.depth += f.Duration
	}

	dropped := 0
	for st.depth > b.cfg.Max && len(st.queue) > 0 {
		st.pop()
		dropped++
	}
	if dropped > 0 {
		st.monitor.RecordOverrun()
		slog.Warn("jitter: buffer overrun, dropped oldest frames",
			"turn_id", b.turnID,
			"dropped", dropped,
			"depth", st.depth,
			"max", b.cfg.Max,
		)
		if b.hooks.OnOverrun != nil {
			b.hooks.OnOverrun(b.turnID, dropped)
		}
	}
	b.recordDepthLocked(st)
}

// StartPlayback starts the playback cadence. It is a no-op when playback is
// already running or the buffer was destroyed. The first frame is dispatched
// once the buffer has filled to half its target or the fill wait elapsed.
func (b *Buffer) StartPlayback() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.state.(*activeState); !ok || b.playing {
		return
	}
	b.playing = true
	b.ticks = 0

	var warmup func(<-chan struct{})
	if b.fillWait > 0 {
		warmup = b.waitForFill
	}
	b.task = StartPeriodic(b.cfg.FrameInterval, b.newTicker, warmup, b.tick)

	slog.Debug("jitter: playback started",
		"turn_id", b.turnID,
		"interval", b.cfg.FrameInterval,
		"target", b.cfg.Target,
	)
}

// waitForFill blocks until the buffer holds half its target, fillWait
// elapses, or cancel is closed.
func (b *Buffer) waitForFill(cancel <-chan struct{}) {
	deadline := time.NewTimer(b.fillWait)
	defer deadline.Stop()

	b.mu.Lock()
	poll := b.cfg.FrameInterval
	b.mu.Unlock()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if b.filled() {
			return
		}
		select {
		case <-cancel:
			return
		case <-deadline.C:
			slog.Debug("jitter: fill wait elapsed", "turn_id", b.TurnID(), "depth", b.CurrentBuffer())
			return
		case <-ticker.C:
		}
	}
}

func (b *Buffer) filled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.state.(*activeState)
	return !ok || st.depth >= b.cfg.Target/2
}

// tick plays one frame, or silence when the queue is empty.
func (b *Buffer) tick(task *PeriodicTask) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state.(*activeState)
	if !ok || !b.playing || b.task != task {
		return
	}

	var item dispatchItem
	if len(st.queue) == 0 {
		st.monitor.RecordUnderrun()
		if b.hooks.OnUnderrun != nil {
			b.hooks.OnUnderrun(b.turnID)
		}
		item = dispatchItem{
			data:    audio.Silence(b.format, b.enc, b.cfg.FrameInterval),
			silence: true,
		}
	} else {
		f := st.pop()
		item = dispatchItem{data: f.Data}
	}
	item.turnID = b.turnID
	item.enc = b.enc

	if !st.out.submit(item) {
		slog.Warn("jitter: dispatch queue full, frame dropped", "turn_id", b.turnID)
	} else if b.hooks.OnDispatch != nil {
		b.hooks.OnDispatch(b.turnID, item.silence)
	}
	b.recordDepthLocked(st)

	b.ticks++
	if b.adjustEvery > 0 && b.ticks%b.adjustEvery == 0 {
		b.applyAdaptiveLocked(st)
	}
}

// StopPlayback stops the cadence and clears all queued audio. No tick does
// any work after StopPlayback returns. Safe to call when not playing.
func (b *Buffer) StopPlayback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Buffer) stopLocked() {
	if b.task != nil {
		b.task.Stop()
		b.task = nil
	}
	wasPlaying := b.playing
	b.playing = false

	if st, ok := b.state.(*activeState); ok {
		st.clear()
		st.proc.ResetSequence()
		st.monitor.UpdateBufferLevel(0)
	}
	if wasPlaying {
		slog.Debug("jitter: playback stopped", "turn_id", b.turnID)
	}
}

// IsPlaying reports whether the cadence is running.
func (b *Buffer) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// CurrentBuffer returns the total duration of queued frames.
func (b *Buffer) CurrentBuffer() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state.(*activeState); ok {
		return st.depth
	}
	return 0
}

// QueuedFrames returns the number of queued frames.
func (b *Buffer) QueuedFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state.(*activeState); ok {
		return len(st.queue)
	}
	return 0
}

// TurnID returns the turn currently being played.
func (b *Buffer) TurnID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnID
}

// Config returns the current configuration.
func (b *Buffer) Config() BufferConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// HealthMetrics returns a snapshot of the buffer's quality counters. After
// [Buffer.Destroy] it returns a zeroed idle snapshot.
func (b *Buffer) HealthMetrics() QualityMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch st := b.state.(type) {
	case *activeState:
		snap := st.monitor.Snapshot()
		return QualityMetrics{
			CurrentBuffer:       st.depth,
			TargetBuffer:        b.cfg.Target,
			UnderrunCount:       snap.UnderrunCount,
			OverrunCount:        snap.OverrunCount,
			AverageJitter:       snap.AverageJitter,
			HealthState:         st.monitor.HealthState(b.playing, b.cfg.Min),
			AdaptiveAdjustments: snap.AdaptiveAdjustments,
		}
	default:
		return QualityMetrics{HealthState: HealthIdle}
	}
}

// UpdateConfig merges u into the configuration. Target is clamped into
// [Min, Max] on every update. A new FrameInterval applies to frames parsed
// from now on and to the cadence from the next StartPlayback.
func (b *Buffer) UpdateConfig(u ConfigUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateConfigLocked(u)
}

func (b *Buffer) updateConfigLocked(u ConfigUpdate) {
	old := b.cfg
	b.cfg = b.cfg.apply(u)
	if st, ok := b.state.(*activeState); ok && b.cfg.FrameInterval != old.FrameInterval {
		st.proc.SetInterval(b.cfg.FrameInterval)
		st.monitor.SetInterval(b.cfg.FrameInterval)
	}
	if b.cfg.Target != old.Target && b.hooks.OnAdjust != nil {
		b.hooks.OnAdjust(b.turnID, old.Target, b.cfg.Target)
	}
}

// ApplyAdaptiveAdjustments asks the quality monitor for a recommendation and
// moves the target accordingly. The configuration is only touched when the
// clamped result differs from the current target.
func (b *Buffer) ApplyAdaptiveAdjustments() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state.(*activeState); ok {
		b.applyAdaptiveLocked(st)
	}
}

func (b *Buffer) applyAdaptiveLocked(st *activeState) {
	if adj := b.recommend(st.monitor); adj != 0 {
		b.applyAdjustmentLocked(adj)
	}
}

// ApplyAdjustment moves the target by delta, clamped into [Min, Max]. It
// reports whether the target changed.
func (b *Buffer) ApplyAdjustment(delta time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyAdjustmentLocked(delta)
}

func (b *Buffer) applyAdjustmentLocked(delta time.Duration) bool {
	target := clamp(b.cfg.Target+delta, b.cfg.Min, b.cfg.Max)
	if target == b.cfg.Target {
		return false
	}
	slog.Debug("jitter: adjusting target buffer",
		"turn_id", b.turnID,
		"from", b.cfg.Target,
		"to", target,
		"recommended", delta,
	)
	b.updateConfigLocked(ConfigUpdate{Target: &target})
	return true
}

// Destroy stops playback and releases the processor, monitor and dispatcher.
// Every later call on the buffer is a safe no-op. Destroy is idempotent.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state.(*activeState)
	if !ok {
		return
	}
	b.stopLocked()
	st.out.close()
	b.state = destroyedState{}
	slog.Debug("jitter: buffer destroyed", "turn_id", b.turnID)
}

func (b *Buffer) recordDepthLocked(st *activeState) {
	st.monitor.UpdateBufferLevel(st.depth)
	if b.hooks.OnDepth != nil {
		b.hooks.OnDepth(b.turnID, st.depth)
	}
}
