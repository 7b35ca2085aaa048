package humanize

import (
	"math"
	"testing"
)

func TestDefaultScrollConfig(t *testing.T) {
	config := DefaultScrollConfig()

	if config.MinScrollSteps <= 0 {
		t.Error("MinScrollSteps should be positive")
	}
	if config.MaxScrollSteps < config.MinScrollSteps {
		t.Error("MaxScrollSteps should be >= MinScrollSteps")
	}
	if config.MaxStepDelayMs < config.MinStepDelayMs {
		t.Error("MaxStepDelayMs should be >= MinStepDelayMs")
	}
	if config.ViewportFraction <= 0 || config.ViewportFraction > 1 {
		t.Errorf("ViewportFraction = %v, want in (0, 1]", config.ViewportFraction)
	}
}

func TestEaseOutCubic(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{1, 1},
		{0.5, 0.875},
	}
	for _, tt := range tests {
		if got := easeOutCubic(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("easeOutCubic(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClampScroll(t *testing.T) {
	tests := []struct {
		y, maxY, want float64
	}{
		{-10, 500, 0},
		{250, 500, 250},
		{900, 500, 500},
		{100, -20, 0},
	}
	for _, tt := range tests {
		if got := clampScroll(tt.y, tt.maxY); got != tt.want {
			t.Errorf("clampScroll(%v, %v) = %v, want %v", tt.y, tt.maxY, got, tt.want)
		}
	}
}

func TestPositionAtBottom(t *testing.T) {
	if !(Position{Y: 1200, ViewportHeight: 800, ContentHeight: 2000}).AtBottom() {
		t.Error("AtBottom() = false at end of content")
	}
	if (Position{Y: 0, ViewportHeight: 800, ContentHeight: 2000}).AtBottom() {
		t.Error("AtBottom() = true at top of content")
	}
}
