package detect

import (
	"math"
	"testing"
)

func TestGasVoteNeedsThreeOfFive(t *testing.T) {
	v := NewGasVote(200, 5, 3)
	steps := []struct {
		ppm  float64
		want bool
	}{
		{250, false},
		{100, false},
		{300, false},
		{400, true},
		{50, true},
		{50, false}, // the first 250 left the window
	}

	for i, s := range steps {
		if got := v.Observe(s.ppm); got != s.want {
			t.Fatalf("step %d (ppm=%v) = %v, want %v", i, s.ppm, got, s.want)
		}
	}
}

func TestGasVoteThresholdIsStrict(t *testing.T) {
	v := NewGasVote(200, 1, 1)
	if v.Observe(200) {
		t.Fatalf("reading equal to the threshold counted as smoke")
	}
	if !v.Observe(200.1) {
		t.Fatalf("reading above the threshold ignored")
	}
	v.Reset()
	if v.Observe(0) {
		t.Fatalf("Reset kept history")
	}
}

func TestNewGasVoteClampsNeed(t *testing.T) {
	v := NewGasVote(1, 3, 10)
	if v.Need != 3 {
		t.Fatalf("Need = %d, want 3", v.Need)
	}
	if v := NewGasVote(1, 0, 0); v.Window != DefaultGasWindow || v.Need != 1 {
		t.Fatalf("defaults = %+v", v)
	}
}

func TestVisionSmootherAverages(t *testing.T) {
	s := NewVisionSmoother(0.75, 4)
	steps := []struct {
		conf     float64
		smoothed float64
		detected bool
	}{
		{0.9, 0.9, true},
		{0.1, 0.5, false},
		{0.9, 1.9 / 3, false},
		{0.9, 0.7, false},
		{0.9, 0.7, false},  // window 0.1 0.9 0.9 0.9
		{1.0, 0.925, true}, // the 0.1 left the window
	}
	for i, st := range steps {
		smoothed, detected := s.Observe(st.conf)
		if math.Abs(smoothed-st.smoothed) > 1e-9 || detected != st.detected {
			t.Fatalf("step %d = %v,%v want %v,%v", i, smoothed, detected, st.smoothed, st.detected)
		}
	}
	s.Reset()
	if smoothed, _ := s.Observe(0.2); smoothed != 0.2 {
		t.Fatalf("Reset kept history, smoothed = %v", smoothed)
	}
}
