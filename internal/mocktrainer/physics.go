package mocktrainer

import "math"

const (
	gravity    = 9.81
	airDensity = 1.225
	maxSpeedMs = 25.0
)

// Resistance is the road the simulated rider is on.
type Resistance struct {
	GradePct float64
	Crr      float64
	CdA      float64
	WindMps  float64
	MassKg   float64
}

// powerAt is the steady-state power needed to hold v m/s.
func (r Resistance) powerAt(v float64) float64 {
	theta := math.Atan(r.GradePct / 100)
	rolling := r.MassKg * gravity * r.Crr * math.Cos(theta)
	climbing := r.MassKg * gravity * math.Sin(theta)
	air := v + r.WindMps
	drag := 0.5 * airDensity * r.CdA * air * math.Abs(air)
	return v * (rolling + climbing + drag)
}

// SpeedKph solves for the steady speed at watts by bisection. Descents
// coast to a speed where gravity balances drag even at zero power.
func (r Resistance) SpeedKph(watts float64) float64 {
	if watts < 0 {
		watts = 0
	}
	lo, hi := 0.0, maxSpeedMs
	if r.powerAt(hi) < watts {
		return hi * 3.6
	}
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if r.powerAt(mid) < watts {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2 * 3.6
}
