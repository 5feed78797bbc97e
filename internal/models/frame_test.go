package models

import (
	"math"
	"testing"
)

func TestClampedAlpha(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{-0.5, 0},
		{3, 1},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		got := BlendState{Alpha: tt.in}.ClampedAlpha()
		if got != tt.want {
			t.Errorf("ClampedAlpha(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.Alpha != DefaultAlpha || opts.FPS != DefaultFPS {
		t.Errorf("unexpected defaults: %+v", opts)
	}
	if opts.ToggleLabel != "Display Overlay" {
		t.Errorf("toggle label = %q", opts.ToggleLabel)
	}
	if opts.Autoplay || opts.Loop {
		t.Errorf("autoplay/loop should be off by default")
	}
}
