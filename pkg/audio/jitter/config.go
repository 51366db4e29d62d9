package jitter

import "time"

// Default buffer sizing. At the default 20 ms cadence the target holds twelve
// frames of audio.
const (
	DefaultTarget        = 240 * time.Millisecond
	DefaultMin           = 120 * time.Millisecond
	DefaultMax           = 480 * time.Millisecond
	DefaultFrameInterval = 20 * time.Millisecond
)

// BufferConfig bounds the buffered depth of a [Buffer].
// The invariant Min <= Target <= Max is enforced on every update by clamping.
type BufferConfig struct {
	// Target is the depth the buffer tries to hold during playback.
	Target time.Duration

	// Min is the lowest target the adaptive loop may choose. Depth below Min
	// is reported as critical.
	Min time.Duration

	// Max is the hard cap on buffered audio. Exceeding it drops the oldest frames.
	Max time.Duration

	// FrameInterval is the playback cadence and the duration of each frame.
	FrameInterval time.Duration
}

// DefaultConfig returns the default buffer sizing.
func DefaultConfig() BufferConfig {
	return BufferConfig{
		Target:        DefaultTarget,
		Min:           DefaultMin,
		Max:           DefaultMax,
		FrameInterval: DefaultFrameInterval,
	}
}

// ConfigUpdate is a partial [BufferConfig]. Nil fields are left unchanged.
type ConfigUpdate struct {
	Target        *time.Duration
	Min           *time.Duration
	Max           *time.Duration
	FrameInterval *time.Duration
}

// apply merges u into c and restores the ordering invariant.
func (c BufferConfig) apply(u ConfigUpdate) BufferConfig {
	if u.Target != nil {
		c.Target = *u.Target
	}
	if u.Min != nil {
		c.Min = *u.Min
	}
	if u.Max != nil {
		c.Max = *u.Max
	}
	if u.FrameInterval != nil && *u.FrameInterval > 0 {
		c.FrameInterval = *u.FrameInterval
	}
	return c.normalized()
}

// normalized returns c with non-negative bounds, Max >= Min and Target
// clamped into [Min, Max].
func (c BufferConfig) normalized() BufferConfig {
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	c.Target = clamp(c.Target, c.Min, c.Max)
	return c
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}
