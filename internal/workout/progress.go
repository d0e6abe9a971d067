package workout

import (
	"fmt"
	"math"
	"time"
)

// Progress is a point-in-time view of a running workout for display.
type Progress struct {
	Status         Status        `json:"status"`
	StepIndex      int           `json:"stepIndex"`
	StepCount      int           `json:"stepCount"`
	Step           *Step         `json:"step,omitempty"`
	WorkoutElapsed time.Duration `json:"workoutElapsed"`
	StepElapsed    time.Duration `json:"stepElapsed"`
	// PlannedTime sums the ERG durations; SIM steps have no planned time.
	PlannedTime    time.Duration `json:"plannedTime"`
	StepRemaining  time.Duration `json:"stepRemaining"`
	SpeedKph       float64       `json:"speedKph"`
	RouteName      string        `json:"routeName,omitempty"`
	RouteTotal     float64       `json:"routeTotal"`
	RouteDistance  float64       `json:"routeDistance"`
	StepDistance   float64       `json:"stepDistance"`
	RouteCompleted bool          `json:"routeCompleted"`
	RouteGrade     float64       `json:"routeGrade"`
	CompletedSteps int           `json:"completedSteps"`
}

// Snapshot returns the current progress.
func (s *Scheduler) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// progressLocked MUST be called with mu held
func (s *Scheduler) progressLocked() Progress {
	now := s.clock.Now()
	p := Progress{
		Status:         s.status,
		StepIndex:      s.stepIndex,
		SpeedKph:       s.lastSpeedKph,
		CompletedSteps: len(s.steps),
	}
	if s.plan == nil {
		return p
	}
	p.StepCount = len(s.plan.Steps)
	p.PlannedTime = time.Duration(s.plan.PlannedERGTime() * float64(time.Second))

	if s.status != StatusRunning {
		if s.summary != nil {
			p.WorkoutElapsed = time.Duration(s.summary.TotalTime * float64(time.Second))
		}
		return p
	}

	step := s.plan.Steps[s.stepIndex]
	p.Step = &step
	p.WorkoutElapsed = now.Sub(s.workoutStart)
	p.StepElapsed = now.Sub(s.stepStart)
	if planned, ok := step.PlannedSeconds(); ok {
		remaining := time.Duration(planned*float64(time.Second)) - p.StepElapsed
		p.StepRemaining = max(remaining, 0)
	}
	if step.Type == StepSIM {
		if s.currentRoute != nil {
			p.RouteName = s.currentRoute.name
			p.RouteTotal = s.currentRoute.total
		}
		p.RouteDistance = s.routeDistance
		p.StepDistance = s.stepDistance
		p.RouteCompleted = s.routeCompleted
		p.RouteGrade = s.routeGrade
	} else {
		p.StepDistance = math.Max(0, s.lastSpeedKph/3.6*p.StepElapsed.Seconds())
	}
	return p
}

// RouteProgressPct is how much of the route has been ridden, in percent.
func (p Progress) RouteProgressPct() float64 {
	if p.RouteTotal <= 0 {
		return 0
	}
	return math.Min(100, p.RouteDistance/p.RouteTotal*100)
}

// WorkoutProgressPct compares elapsed time with the planned ERG time.
func (p Progress) WorkoutProgressPct() float64 {
	if p.Status == StatusComplete {
		return 100
	}
	if p.PlannedTime <= 0 {
		return 0
	}
	return math.Min(100, float64(p.WorkoutElapsed)/float64(p.PlannedTime)*100)
}

// DistanceLabel renders the step distance: "420m (42%)" while riding a
// route, "1000+85" once past its end, or plain meters otherwise.
func (p Progress) DistanceLabel() string {
	if p.Step == nil {
		return "—"
	}
	if p.Step.Type == StepSIM && p.RouteTotal > 0 {
		if p.RouteCompleted {
			return fmt.Sprintf("%.0f+%.0f", p.RouteTotal, p.StepDistance-p.RouteTotal)
		}
		return fmt.Sprintf("%.0fm (%.0f%%)", math.Round(p.RouteDistance), p.RouteProgressPct())
	}
	return fmt.Sprintf("%.0fm", p.StepDistance)
}

// FormatClock renders d as mm:ss; minutes keep counting past an hour.
func FormatClock(d time.Duration) string {
	secs := max(int(d.Seconds()), 0)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
