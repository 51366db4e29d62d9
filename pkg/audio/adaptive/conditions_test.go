package adaptive_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
)

func dur(d time.Duration) *time.Duration { return &d }
func pct(v float64) *float64             { return &v }

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"conservative", "balanced", "aggressive", "adaptive"} {
		m, err := adaptive.ParseMode(s)
		if err != nil {
			t.Errorf("ParseMode(%q) unexpected error: %v", s, err)
		}
		if string(m) != s {
			t.Errorf("ParseMode(%q) = %q", s, m)
		}
	}
	if _, err := adaptive.ParseMode("turbo"); err == nil {
		t.Error("ParseMode(turbo) error = nil, want error")
	}
}

func TestNetworkConditions_Merge(t *testing.T) {
	t.Parallel()

	base := adaptive.NetworkConditions{Latency: dur(100 * time.Millisecond)}
	upd := adaptive.NetworkConditions{
		Jitter:            dur(-5 * time.Millisecond),
		PacketLossPercent: pct(-1),
	}
	got := base.Merge(upd)

	if got.Latency == nil || *got.Latency != 100*time.Millisecond {
		t.Errorf("Latency = %v, want 100ms kept", got.Latency)
	}
	if got.Jitter == nil || *got.Jitter != 0 {
		t.Errorf("Jitter = %v, want clamped to 0", got.Jitter)
	}
	if got.PacketLossPercent == nil || *got.PacketLossPercent != 0 {
		t.Errorf("PacketLossPercent = %v, want clamped to 0", got.PacketLossPercent)
	}
	if got.Jitter == upd.Jitter {
		t.Error("Merge aliased the update's pointer")
	}
	if !(adaptive.NetworkConditions{}).IsZero() || got.IsZero() {
		t.Error("IsZero() mismatch")
	}
}

func TestShouldBuffer(t *testing.T) {
	t.Parallel()

	none := adaptive.NetworkConditions{}
	lat := func(ms int) adaptive.NetworkConditions {
		return adaptive.NetworkConditions{Latency: dur(time.Duration(ms) * time.Millisecond)}
	}

	tests := []struct {
		name     string
		mode     adaptive.Mode
		net      adaptive.NetworkConditions
		observed time.Duration
		want     bool
	}{
		{name: "conservative high latency", mode: adaptive.ModeConservative, net: lat(300), want: true},
		{name: "conservative at threshold", mode: adaptive.ModeConservative, net: lat(250), want: true},
		{name: "conservative moderate latency", mode: adaptive.ModeConservative, net: lat(200), want: false},
		{name: "conservative unknown", mode: adaptive.ModeConservative, net: none, want: false},
		{name: "balanced moderate latency", mode: adaptive.ModeBalanced, net: lat(150), want: true},
		{name: "balanced low latency", mode: adaptive.ModeBalanced, net: lat(149), want: false},
		{name: "balanced unknown", mode: adaptive.ModeBalanced, net: none, want: false},
		{name: "aggressive unknown", mode: adaptive.ModeAggressive, net: none, want: true},
		{name: "aggressive low latency", mode: adaptive.ModeAggressive, net: lat(100), want: true},
		{name: "aggressive clean network", mode: adaptive.ModeAggressive, net: lat(40), want: false},
		{
			name: "aggressive jitter",
			mode: adaptive.ModeAggressive,
			net:  adaptive.NetworkConditions{Latency: dur(10 * time.Millisecond), Jitter: dur(25 * time.Millisecond)},
			want: true,
		},
		{
			name: "aggressive loss",
			mode: adaptive.ModeAggressive,
			net:  adaptive.NetworkConditions{PacketLossPercent: pct(1.5)},
			want: true,
		},
		{name: "adaptive unknown", mode: adaptive.ModeAdaptive, net: none, want: false},
		{name: "adaptive double latency threshold", mode: adaptive.ModeAdaptive, net: lat(300), want: true},
		{name: "adaptive latency alone below", mode: adaptive.ModeAdaptive, net: lat(200), want: false},
		{name: "adaptive observed jitter tips it", mode: adaptive.ModeAdaptive, net: lat(200), observed: 40 * time.Millisecond, want: true},
		{name: "unknown mode", mode: adaptive.Mode("turbo"), net: lat(1000), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := adaptive.ShouldBuffer(tt.mode, tt.net, adaptive.DefaultThresholds(), tt.observed)
			if got != tt.want {
				t.Errorf("ShouldBuffer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	th := adaptive.DefaultThresholds()
	tests := []struct {
		name string
		net  adaptive.NetworkConditions
		want float64
	}{
		{name: "nothing known", want: 0},
		{name: "latency at threshold", net: adaptive.NetworkConditions{Latency: dur(150 * time.Millisecond)}, want: 0.5},
		{name: "latency capped", net: adaptive.NetworkConditions{Latency: dur(10 * time.Second)}, want: 1.0},
		{
			name: "all signals at threshold",
			net: adaptive.NetworkConditions{
				Latency:           dur(150 * time.Millisecond),
				Jitter:            dur(30 * time.Millisecond),
				PacketLossPercent: pct(2),
			},
			want: 1.0,
		},
		{name: "loss capped", net: adaptive.NetworkConditions{PacketLossPercent: pct(50)}, want: 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := adaptive.Score(tt.net, th, 0); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}
