// Package sim smooths raw route grades into what the rider feels on the
// trainer and decides when a new grade is worth sending.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
)

const (
	// RampDistanceMeters is how far the rider travels between target moves.
	RampDistanceMeters = 10.0
	// MaxTargetStepPct bounds how far one target move can go.
	MaxTargetStepPct = 1.5
	// RatePctPerSecond is the drift toward the target between target moves.
	RatePctPerSecond = 0.5
	// MinChangePct keeps the grade moving even on very short ticks.
	MinChangePct = 0.1
	// MomentumFullSpeedKph is the speed at which momentum assistance peaks.
	MomentumFullSpeedKph = 12.0
	// MomentumReduction is the largest fraction of the grade taken off.
	MomentumReduction = 0.25
	// FloorPct is the steepest descent ever sent to the trainer.
	FloorPct = -2.0
)

// Simulator tracks the physical grade for one ride.
type Simulator struct {
	clock clock.Clock

	mu           sync.Mutex
	initialized  bool
	current      float64
	target       float64
	lastUpdate   time.Time
	lastDistance float64
}

func NewSimulator(clk clock.Clock) *Simulator {
	if clk == nil {
		panic("GradientSimulator: clock cannot be nil")
	}
	return &Simulator{clock: clk}
}

// Reset starts a new ride on flat ground at distance 0.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.current = 0
	s.target = 0
	s.lastUpdate = s.clock.Now()
	s.lastDistance = 0
}

// Clear forgets all state; the next call starts from its raw grade.
func (s *Simulator) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.current = 0
	s.target = 0
	s.lastUpdate = time.Time{}
	s.lastDistance = 0
}

// Current is the tracked physical grade, before momentum assistance.
func (s *Simulator) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CalculateRealisticGrade moves the tracked grade toward rawGrade and
// returns the grade to send, eased by momentum and floored at FloorPct.
func (s *Simulator) CalculateRealisticGrade(rawGrade, speedKph, distance float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if math.IsNaN(rawGrade) {
		rawGrade = s.current
	}
	if !s.initialized {
		s.initialized = true
		s.current = rawGrade
		s.target = rawGrade
		s.lastUpdate = now
		s.lastDistance = distance
		return math.Max(FloorPct, rawGrade)
	}

	targetMoved := false
	if distance-s.lastDistance >= RampDistanceMeters {
		s.target = s.current + clamp(rawGrade-s.current, -MaxTargetStepPct, MaxTargetStepPct)
		s.lastDistance = distance
		targetMoved = true
	} else {
		s.target = s.current
	}

	var maxChange float64
	if targetMoved {
		maxChange = math.Abs(s.target - s.current)
	} else {
		elapsed := now.Sub(s.lastUpdate).Seconds()
		maxChange = math.Max(MinChangePct, elapsed*RatePctPerSecond)
	}

	updated := s.current + clamp(s.target-s.current, -maxChange, maxChange)
	momentum := 1.0
	if speedKph < MomentumFullSpeedKph {
		momentum = speedKph / MomentumFullSpeedKph
	}
	assisted := updated * (1 - MomentumReduction*momentum)

	s.current = updated
	s.lastUpdate = now

	if math.IsNaN(assisted) {
		return FloorPct
	}
	return math.Max(FloorPct, assisted)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
