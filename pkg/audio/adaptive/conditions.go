package adaptive

import (
	"fmt"
	"time"
)

// Mode selects how eagerly a [Policy] turns buffering on.
type Mode string

const (
	// ModeConservative buffers only under high latency, favouring the lowest
	// possible playback delay.
	ModeConservative Mode = "conservative"

	// ModeBalanced buffers under moderate latency.
	ModeBalanced Mode = "balanced"

	// ModeAggressive buffers under mild degradation of any signal, and when
	// nothing is known about the network.
	ModeAggressive Mode = "aggressive"

	// ModeAdaptive weighs latency, jitter and loss into a single score and
	// tracks changing conditions across re-evaluations.
	ModeAdaptive Mode = "adaptive"
)

// IsValid reports whether m is one of the known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeConservative, ModeBalanced, ModeAggressive, ModeAdaptive:
		return true
	}
	return false
}

// ParseMode converts s into a [Mode].
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("adaptive: unknown mode %q", s)
	}
	return m, nil
}

// Latency thresholds of the fixed-threshold modes.
const (
	ConservativeLatency = 250 * time.Millisecond
	BalancedLatency     = 150 * time.Millisecond
	AggressiveLatency   = 100 * time.Millisecond
	AggressiveJitter    = 20 * time.Millisecond
	AggressiveLoss      = 1.0
)

// NetworkConditions are advisory measurements of the transport delivering
// chunks. Nil fields are unknown.
type NetworkConditions struct {
	Latency           *time.Duration `json:"latency,omitempty"`
	Jitter            *time.Duration `json:"jitter,omitempty"`
	PacketLossPercent *float64       `json:"packet_loss_percent,omitempty"`
}

// IsZero reports whether no condition is known.
func (n NetworkConditions) IsZero() bool {
	return n.Latency == nil && n.Jitter == nil && n.PacketLossPercent == nil
}

// Merge returns n with every known field of u applied. Negative values are
// clamped to zero. The result never aliases u.
func (n NetworkConditions) Merge(u NetworkConditions) NetworkConditions {
	if u.Latency != nil {
		v := max(*u.Latency, 0)
		n.Latency = &v
	}
	if u.Jitter != nil {
		v := max(*u.Jitter, 0)
		n.Jitter = &v
	}
	if u.PacketLossPercent != nil {
		v := max(*u.PacketLossPercent, 0)
		n.PacketLossPercent = &v
	}
	return n
}

// Thresholds normalise each signal for [ModeAdaptive]. A signal equal to its
// threshold scores 1 before weighting.
type Thresholds struct {
	Latency           time.Duration
	Jitter            time.Duration
	PacketLossPercent float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Latency:           150 * time.Millisecond,
		Jitter:            30 * time.Millisecond,
		PacketLossPercent: 2,
	}
}

// withDefaults fills non-positive thresholds from [DefaultThresholds].
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Latency <= 0 {
		t.Latency = d.Latency
	}
	if t.Jitter <= 0 {
		t.Jitter = d.Jitter
	}
	if t.PacketLossPercent <= 0 {
		t.PacketLossPercent = d.PacketLossPercent
	}
	return t
}

const (
	latencyWeight = 0.5
	jitterWeight  = 0.3
	lossWeight    = 0.2
	termCap       = 2.0
)

// Score computes the weighted degradation score used by [ModeAdaptive].
// observedJitter, when larger than the reported jitter, takes its place.
func Score(n NetworkConditions, t Thresholds, observedJitter time.Duration) float64 {
	t = t.withDefaults()
	term := func(v, threshold float64) float64 {
		return min(v/threshold, termCap)
	}

	var score float64
	if n.Latency != nil {
		score += latencyWeight * term(float64(*n.Latency), float64(t.Latency))
	}
	jit := observedJitter
	if n.Jitter != nil {
		jit = max(jit, *n.Jitter)
	}
	if jit > 0 {
		score += jitterWeight * term(float64(jit), float64(t.Jitter))
	}
	if n.PacketLossPercent != nil {
		score += lossWeight * term(*n.PacketLossPercent, t.PacketLossPercent)
	}
	return score
}

// ShouldBuffer is the buffering decision for mode under n. observedJitter is
// the jitter measured by an existing buffer, zero if none.
func ShouldBuffer(mode Mode, n NetworkConditions, t Thresholds, observedJitter time.Duration) bool {
	latencyAtLeast := func(d time.Duration) bool {
		return n.Latency != nil && *n.Latency >= d
	}
	switch mode {
	case ModeConservative:
		return latencyAtLeast(ConservativeLatency)
	case ModeBalanced:
		return latencyAtLeast(BalancedLatency)
	case ModeAggressive:
		if n.IsZero() {
			return true
		}
		return latencyAtLeast(AggressiveLatency) ||
			(n.Jitter != nil && *n.Jitter >= AggressiveJitter) ||
			(n.PacketLossPercent != nil && *n.PacketLossPercent >= AggressiveLoss)
	case ModeAdaptive:
		return Score(n, t, observedJitter) >= 1
	default:
		return false
	}
}
