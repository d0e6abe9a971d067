package workout

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepSummary describes one finished step. Durations are in seconds,
// distances in meters and speeds in km/h. Pointer fields are null when
// they do not apply to the step type.
type StepSummary struct {
	StepNumber      int       `json:"stepNumber"`
	Type            StepType  `json:"type"`
	StartTime       time.Time `json:"startTime"`
	PlannedDuration *float64  `json:"plannedDuration"`
	ActualDuration  float64   `json:"actualDuration"`
	Distance        float64   `json:"distance"`
	AverageSpeed    float64   `json:"averageSpeed"`
	Target          string    `json:"target"`
	SegmentName     *string   `json:"segmentName"`
	RouteDistance   *float64  `json:"routeDistance"`
	RouteCompleted  *bool     `json:"routeCompleted"`
}

// Summary is the finished workout.
type Summary struct {
	ID            string        `json:"id"`
	PlanID        string        `json:"planId"`
	PlanName      string        `json:"planName"`
	StartTime     time.Time     `json:"startTime"`
	TotalTime     float64       `json:"totalTime"`
	TotalDistance float64       `json:"totalDistance"`
	AverageSpeed  float64       `json:"averageSpeed"`
	Steps         []StepSummary `json:"steps"`
	Timestamp     time.Time     `json:"timestamp"`
}

// StepRecord is what the scheduler knows about a step when it ends.
type StepRecord struct {
	Index          int
	Step           Step
	Start          time.Time
	End            time.Time
	LastSpeedKph   float64
	StepDistance   float64
	RouteDistance  float64
	RouteCompleted bool
}

// SummarizeStep builds a step summary. ERG distance is estimated from the
// last known speed over the whole step. Negative distances become zero.
func SummarizeStep(r StepRecord) (StepSummary, bool) {
	secs := r.End.Sub(r.Start).Seconds()

	var distance float64
	if r.Step.Type == StepSIM {
		distance = r.StepDistance
	} else {
		distance = r.LastSpeedKph / 3.6 * secs
	}
	clamped := false
	if !(distance >= 0) {
		distance = 0
		clamped = true
	}

	s := StepSummary{
		StepNumber:     r.Index + 1,
		Type:           r.Step.Type,
		StartTime:      r.Start,
		ActualDuration: secs,
		Distance:       distance,
	}
	if distance > 0 && secs > 0 {
		s.AverageSpeed = distance / secs * 3.6
	}
	if planned, ok := r.Step.PlannedSeconds(); ok {
		s.PlannedDuration = &planned
	}
	if r.Step.SegmentName != "" {
		name := r.Step.SegmentName
		s.SegmentName = &name
	}
	if r.Step.Type == StepSIM {
		s.Target = "Route Grade"
		routeDistance, completed := r.RouteDistance, r.RouteCompleted
		s.RouteDistance = &routeDistance
		s.RouteCompleted = &completed
	} else {
		s.Target = fmt.Sprintf("%gW", r.Step.Power)
	}
	return s, clamped
}

// Summarize aggregates step summaries into a workout summary.
func Summarize(plan *Plan, start, end time.Time, steps []StepSummary) Summary {
	total := end.Sub(start).Seconds()
	distance := 0.0
	for _, s := range steps {
		distance += s.Distance
	}
	avg := 0.0
	if distance > 0 && total > 0 {
		avg = distance / total * 3.6
	}

	s := Summary{
		ID:            uuid.NewString(),
		StartTime:     start,
		TotalTime:     total,
		TotalDistance: distance,
		AverageSpeed:  avg,
		Steps:         append([]StepSummary(nil), steps...),
		Timestamp:     end.UTC(),
	}
	if plan != nil {
		s.PlanID = plan.ID
		s.PlanName = plan.Name
	}
	return s
}
