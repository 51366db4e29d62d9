package jitter

import "time"

// HealthState classifies how well a buffer is keeping up with playback.
type HealthState int

const (
	// HealthIdle means playback is not running.
	HealthIdle HealthState = iota

	// HealthHealthy means depth, jitter and event rates are all within bounds.
	HealthHealthy

	// HealthDegraded means recent underruns, frequent overruns, high jitter,
	// or a shallow and shrinking buffer.
	HealthDegraded

	// HealthCritical means the buffer is below its minimum depth.
	HealthCritical
)

// String returns the lower-case name of the state.
func (s HealthState) String() string {
	switch s {
	case HealthIdle:
		return "idle"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trend is the direction of buffer depth over the recent window.
type Trend int

const (
	TrendStable Trend = iota
	TrendDeclining
	TrendIncreasing
)

// String returns the lower-case name of the trend.
func (t Trend) String() string {
	switch t {
	case TrendDeclining:
		return "declining"
	case TrendIncreasing:
		return "increasing"
	default:
		return "stable"
	}
}

const (
	historySize = 100

	// jitterAlpha is the EMA smoothing factor for average jitter.
	jitterAlpha = 0.1

	// minArrivalSamples is the amount of arrival history needed before the
	// monitor recommends any adjustment.
	minArrivalSamples = 10

	// trendWindow is the number of depth samples used for trend detection;
	// trendThreshold is the mean shift between its halves that counts as a trend.
	trendWindow    = 10
	trendThreshold = 10 * time.Millisecond

	// criticalFloor is the critical threshold used when no minimum is set.
	criticalFloor = 50 * time.Millisecond

	// safetyMargin is the depth below which a declining trend is degraded.
	safetyMargin = 150 * time.Millisecond

	// frequentOverruns is the recent overrun count above which overruns are
	// considered frequent.
	frequentOverruns = 3

	underrunStep   = 20 * time.Millisecond
	maxGrowStep    = 100 * time.Millisecond
	overrunStep    = 10 * time.Millisecond
	maxShrinkStep  = 50 * time.Millisecond
	stableShrink   = 10 * time.Millisecond
	eventRingLimit = 64

	// DefaultRecentWindow is how far back underrun and overrun events count
	// as recent.
	DefaultRecentWindow = 5 * time.Second
)

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
type ring[T any] struct {
	items []T
	limit int
}

func newRing[T any](limit int) ring[T] {
	return ring[T]{items: make([]T, 0, limit), limit: limit}
}

func (r *ring[T]) push(v T) {
	if len(r.items) == r.limit {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, v)
}

func (r *ring[T]) len() int { return len(r.items) }

func (r *ring[T]) last() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

func (r *ring[T]) clear() { r.items = r.items[:0] }

// MonitorSnapshot is the counter state of a [QualityMonitor].
type MonitorSnapshot struct {
	CurrentBuffer       time.Duration
	UnderrunCount       int
	OverrunCount        int
	AverageJitter       time.Duration
	AdaptiveAdjustments int
	Arrivals            int
}

// QualityMonitor keeps running statistics on frame arrival timing and buffer
// depth and turns them into a health classification and a recommended target
// adjustment. It is the feedback sensor of a [Buffer] and is not safe for
// concurrent use on its own; the owning Buffer serialises access.
type QualityMonitor struct {
	interval     time.Duration
	recentWindow time.Duration
	now          func() time.Time

	arrivals ring[time.Time]
	depths   ring[time.Duration]

	underruns   int
	overruns    int
	underrunAt  ring[time.Time]
	overrunAt   ring[time.Time]
	avgJitter   float64 // nanoseconds
	adjustments int
}

// NewQualityMonitor returns a monitor expecting one frame every interval.
func NewQualityMonitor(interval time.Duration) *QualityMonitor {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &QualityMonitor{
		interval:     interval,
		recentWindow: DefaultRecentWindow,
		now:          time.Now,
		arrivals:     newRing[time.Time](historySize),
		depths:       newRing[time.Duration](historySize),
		underrunAt:   newRing[time.Time](eventRingLimit),
		overrunAt:    newRing[time.Time](eventRingLimit),
	}
}

// SetInterval changes the expected inter-arrival interval.
func (m *QualityMonitor) SetInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

// RecordFrameArrival folds the arrival at into the jitter estimate. The first
// arrival has no reference and contributes zero jitter.
func (m *QualityMonitor) RecordFrameArrival(at time.Time) {
	if prev, ok := m.arrivals.last(); ok {
		delta := at.Sub(prev) - m.interval
		if delta < 0 {
			delta = -delta
		}
		m.avgJitter = m.avgJitter*(1-jitterAlpha) + float64(delta)*jitterAlpha
	}
	m.arrivals.push(at)
}

// UpdateBufferLevel records the current buffered depth.
func (m *QualityMonitor) UpdateBufferLevel(d time.Duration) {
	m.depths.push(d)
}

// RecordUnderrun counts a cadence tick that found no frame to play.
func (m *QualityMonitor) RecordUnderrun() {
	m.underruns++
	m.underrunAt.push(m.now())
}

// RecordOverrun counts an enqueue that had to drop frames.
func (m *QualityMonitor) RecordOverrun() {
	m.overruns++
	m.overrunAt.push(m.now())
}

// AverageJitter returns the smoothed jitter estimate.
func (m *QualityMonitor) AverageJitter() time.Duration {
	return time.Duration(m.avgJitter)
}

// CurrentBuffer returns the most recently recorded depth.
func (m *QualityMonitor) CurrentBuffer() time.Duration {
	d, _ := m.depths.last()
	return d
}

// Trend compares the mean depth of the older and newer halves of the recent
// window.
func (m *QualityMonitor) Trend() Trend {
	n := min(m.depths.len(), trendWindow)
	if n < 4 {
		return TrendStable
	}
	window := m.depths.items[m.depths.len()-n:]
	half := n / 2
	var older, newer time.Duration
	for _, d := range window[:half] {
		older += d
	}
	for _, d := range window[half:] {
		newer += d
	}
	shift := newer/time.Duration(n-half) - older/time.Duration(half)
	switch {
	case shift < -trendThreshold:
		return TrendDeclining
	case shift > trendThreshold:
		return TrendIncreasing
	default:
		return TrendStable
	}
}

// recent counts the events in r that fall within the recent window.
func (m *QualityMonitor) recent(r *ring[time.Time]) int {
	cutoff := m.now().Add(-m.recentWindow)
	n := 0
	for _, t := range r.items {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// HealthState classifies the buffer. minBuffer is the critical threshold;
// zero falls back to a 50 ms floor.
func (m *QualityMonitor) HealthState(playing bool, minBuffer time.Duration) HealthState {
	if !playing {
		return HealthIdle
	}
	threshold := minBuffer
	if threshold <= 0 {
		threshold = criticalFloor
	}
	depth := m.CurrentBuffer()
	if depth < threshold {
		return HealthCritical
	}
	switch {
	case m.recent(&m.underrunAt) > 0,
		m.recent(&m.overrunAt) > frequentOverruns,
		m.AverageJitter() > m.interval/2,
		depth < safetyMargin && m.Trend() == TrendDeclining:
		return HealthDegraded
	}
	return HealthHealthy
}

// RecommendedAdjustment returns a signed change to the target buffer size.
// Positive means the buffer is too small, negative that it could shrink.
// Each non-zero recommendation increments the adjustment counter.
func (m *QualityMonitor) RecommendedAdjustment() time.Duration {
	if m.arrivals.len() < minArrivalSamples {
		return 0
	}

	underruns := m.recent(&m.underrunAt)
	overruns := m.recent(&m.overrunAt)

	var adj time.Duration
	switch {
	case underruns > 0:
		adj = min(time.Duration(underruns)*underrunStep, maxGrowStep)
	case overruns > frequentOverruns:
		adj = -min(time.Duration(overruns)*overrunStep, maxShrinkStep)
	case m.AverageJitter() < m.interval/4 && m.Trend() != TrendDeclining:
		adj = -stableShrink
	}

	if adj != 0 {
		m.adjustments++
	}
	return adj
}

// Snapshot returns the current counters.
func (m *QualityMonitor) Snapshot() MonitorSnapshot {
	return MonitorSnapshot{
		CurrentBuffer:       m.CurrentBuffer(),
		UnderrunCount:       m.underruns,
		OverrunCount:        m.overruns,
		AverageJitter:       m.AverageJitter(),
		AdaptiveAdjustments: m.adjustments,
		Arrivals:            m.arrivals.len(),
	}
}

// Reset clears all history and counters. It is idempotent.
func (m *QualityMonitor) Reset() {
	m.arrivals.clear()
	m.depths.clear()
	m.underrunAt.clear()
	m.overrunAt.clear()
	m.underruns = 0
	m.overruns = 0
	m.avgJitter = 0
	m.adjustments = 0
}
