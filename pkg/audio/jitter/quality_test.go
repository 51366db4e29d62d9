package jitter

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// steadyArrivals records n arrivals spaced exactly one interval apart.
func steadyArrivals(m *QualityMonitor, n int) {
	at := time.Unix(1_700_000_000, 0)
	for range n {
		m.RecordFrameArrival(at)
		at = at.Add(m.interval)
	}
}

// burstyArrivals records n arrivals in pairs: two at once, then a gap of
// three intervals.
func burstyArrivals(m *QualityMonitor, n int) {
	at := time.Unix(1_700_000_000, 0)
	for i := range n {
		m.RecordFrameArrival(at)
		if i%2 == 1 {
			at = at.Add(3 * m.interval)
		}
	}
}

func newTestMonitor() (*QualityMonitor, *fakeClock) {
	clk := newFakeClock()
	m := NewQualityMonitor(20 * time.Millisecond)
	m.now = clk.now
	return m, clk
}

func TestQualityMonitor_Jitter(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	steadyArrivals(m, 20)
	if got := m.AverageJitter(); got != 0 {
		t.Fatalf("steady arrivals: AverageJitter = %v, want 0", got)
	}

	m.Reset()
	at := time.Unix(0, 0)
	for i := range 30 {
		m.RecordFrameArrival(at)
		if i%2 == 0 {
			at = at.Add(10 * time.Millisecond)
		} else {
			at = at.Add(30 * time.Millisecond)
		}
	}
	got := m.AverageJitter()
	if got <= 0 || got >= 10*time.Millisecond {
		t.Errorf("alternating arrivals: AverageJitter = %v, want in (0, 10ms)", got)
	}
}

func TestQualityMonitor_RecommendedAdjustment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		arrivals  int
		underruns int
		overruns  int
		age       time.Duration
		want      time.Duration
	}{
		{name: "not enough history", arrivals: 9, underruns: 3, want: 0},
		{name: "single underrun grows", arrivals: 10, underruns: 1, want: 20 * time.Millisecond},
		{name: "underrun growth is capped", arrivals: 10, underruns: 8, want: 100 * time.Millisecond},
		{name: "few overruns stable shrink", arrivals: 10, overruns: 3, want: -10 * time.Millisecond},
		{name: "frequent overruns shrink", arrivals: 10, overruns: 4, want: -40 * time.Millisecond},
		{name: "overrun shrink is capped", arrivals: 10, overruns: 12, want: -50 * time.Millisecond},
		{name: "stale underruns ignored", arrivals: 10, underruns: 5, age: 6 * time.Second, want: -10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, clk := newTestMonitor()
			steadyArrivals(m, tt.arrivals)
			for range tt.underruns {
				m.RecordUnderrun()
			}
			for range tt.overruns {
				m.RecordOverrun()
			}
			clk.advance(tt.age)

			if got := m.RecommendedAdjustment(); got != tt.want {
				t.Errorf("RecommendedAdjustment() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityMonitor_AdjustmentCounter(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	m.RecommendedAdjustment()
	if got := m.Snapshot().AdaptiveAdjustments; got != 0 {
		t.Fatalf("zero recommendation counted: AdaptiveAdjustments = %d", got)
	}
	steadyArrivals(m, 10)
	m.RecommendedAdjustment()
	m.RecommendedAdjustment()
	if got := m.Snapshot().AdaptiveAdjustments; got != 2 {
		t.Errorf("AdaptiveAdjustments = %d, want 2", got)
	}
}

func TestQualityMonitor_Trend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		depths []time.Duration
		want   Trend
	}{
		{name: "too few samples", depths: []time.Duration{300, 0, 0}, want: TrendStable},
		{name: "flat", depths: ms(200, 200, 200, 200, 200, 200), want: TrendStable},
		{name: "declining", depths: ms(200, 190, 180, 170, 160, 150, 140, 130, 120, 110), want: TrendDeclining},
		{name: "increasing", depths: ms(100, 120, 140, 160, 180, 200), want: TrendIncreasing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newTestMonitor()
			for _, d := range tt.depths {
				m.UpdateBufferLevel(d)
			}
			if got := m.Trend(); got != tt.want {
				t.Errorf("Trend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityMonitor_HealthState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		playing  bool
		min      time.Duration
		depths   []time.Duration
		underrun bool
		overruns int
		jittery  bool
		want     HealthState
	}{
		{name: "not playing", playing: false, depths: ms(300), want: HealthIdle},
		{name: "below min", playing: true, min: 120 * time.Millisecond, depths: ms(100), want: HealthCritical},
		{name: "below floor without min", playing: true, depths: ms(40), want: HealthCritical},
		{name: "healthy", playing: true, min: 120 * time.Millisecond, depths: ms(240), want: HealthHealthy},
		{name: "recent underrun", playing: true, min: 120 * time.Millisecond, depths: ms(240), underrun: true, want: HealthDegraded},
		{name: "three overruns tolerated", playing: true, min: 120 * time.Millisecond, depths: ms(240), overruns: 3, want: HealthHealthy},
		{name: "frequent overruns", playing: true, min: 120 * time.Millisecond, depths: ms(240), overruns: 4, want: HealthDegraded},
		{name: "jitter above half interval", playing: true, min: 120 * time.Millisecond, depths: ms(240), jittery: true, want: HealthDegraded},
		{
			name:    "shallow and declining",
			playing: true,
			min:     100 * time.Millisecond,
			depths:  ms(200, 190, 180, 170, 160, 150, 140, 130, 120, 110),
			want:    HealthDegraded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newTestMonitor()
			for _, d := range tt.depths {
				m.UpdateBufferLevel(d)
			}
			if tt.underrun {
				m.RecordUnderrun()
			}
			for range tt.overruns {
				m.RecordOverrun()
			}
			if tt.jittery {
				burstyArrivals(m, 30)
			}
			if got := m.HealthState(tt.playing, tt.min); got != tt.want {
				t.Errorf("HealthState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityMonitor_Reset(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	burstyArrivals(m, 15)
	m.UpdateBufferLevel(200 * time.Millisecond)
	m.RecordUnderrun()
	m.RecordOverrun()
	m.RecommendedAdjustment()
	if m.AverageJitter() <= 0 {
		t.Fatalf("AverageJitter = %v before Reset, want > 0", m.AverageJitter())
	}

	m.Reset()
	if got := m.Snapshot(); got != (MonitorSnapshot{}) {
		t.Errorf("Snapshot() after Reset = %+v, want zero", got)
	}
	m.Reset()
	if got := m.Snapshot(); got != (MonitorSnapshot{}) {
		t.Errorf("Snapshot() after second Reset = %+v, want zero", got)
	}
}

func TestQualityMonitor_HistoryBounded(t *testing.T) {
	t.Parallel()

	m, _ := newTestMonitor()
	steadyArrivals(m, 150)
	for i := range 150 {
		m.UpdateBufferLevel(time.Duration(i) * time.Millisecond)
	}
	if got := m.arrivals.len(); got != historySize {
		t.Errorf("arrivals kept = %d, want %d", got, historySize)
	}
	if got := m.depths.len(); got != historySize {
		t.Errorf("depths kept = %d, want %d", got, historySize)
	}
	if got := m.CurrentBuffer(); got != 149*time.Millisecond {
		t.Errorf("CurrentBuffer = %v, want newest depth 149ms", got)
	}
	if first := m.depths.items[0]; first != 50*time.Millisecond {
		t.Errorf("oldest kept depth = %v, want 50ms", first)
	}
}

func TestHealthState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[HealthState]string{
		HealthIdle:      "idle",
		HealthHealthy:   "healthy",
		HealthDegraded:  "degraded",
		HealthCritical:  "critical",
		HealthState(42): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("HealthState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

// ms converts a list of millisecond counts to durations.
func ms(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}
