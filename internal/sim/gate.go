package sim

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultGateInterval = 3000 * time.Millisecond
	DefaultGateMinDelta = 0.3
)

// CommandGate limits how often a new grade is sent to the trainer. A grade
// passes when at least Interval has elapsed since the last one that passed
// and it differs from that grade by at least MinDelta.
type CommandGate struct {
	Interval time.Duration
	MinDelta float64

	mu       sync.Mutex
	lastSent time.Time
	lastPct  float64
	hasLast  bool
}

func NewCommandGate() *CommandGate {
	return &CommandGate{Interval: DefaultGateInterval, MinDelta: DefaultGateMinDelta}
}

// Allow reports whether gradePct should be sent at now, and records it
// when it should.
func (g *CommandGate) Allow(now time.Time, gradePct float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasLast {
		if now.Sub(g.lastSent) < g.Interval {
			return false
		}
		if math.Abs(gradePct-g.lastPct) < g.MinDelta {
			return false
		}
	}
	g.lastSent = now
	g.lastPct = gradePct
	g.hasLast = true
	return true
}

func (g *CommandGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasLast = false
	g.lastSent = time.Time{}
	g.lastPct = 0
}
