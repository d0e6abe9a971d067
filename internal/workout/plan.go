package workout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

type StepType string

const (
	StepERG StepType = "erg"
	StepSIM StepType = "sim"
)

var (
	ErrEmptyPlan      = errors.New("workout plan has no steps")
	ErrAlreadyRunning = errors.New("workout already running")
	ErrNotRunning     = errors.New("no workout running")
)

// Step is one entry of a workout plan. ERG steps hold Power watts for
// Duration minutes; SIM steps ride the route named SegmentName until
// skipped.
type Step struct {
	Type        StepType `json:"type"`
	Duration    float64  `json:"duration,omitempty"`
	Power       float64  `json:"power,omitempty"`
	SegmentName string   `json:"segmentName,omitempty"`
}

// PlannedSeconds is the ERG duration in seconds, or false for SIM steps.
func (s Step) PlannedSeconds() (float64, bool) {
	if s.Type != StepERG || s.Duration <= 0 {
		return 0, false
	}
	return s.Duration * 60, true
}

func (s Step) String() string {
	switch s.Type {
	case StepERG:
		return fmt.Sprintf("ERG %g min at %gW", s.Duration, s.Power)
	case StepSIM:
		return fmt.Sprintf("SIM %s", s.SegmentName)
	default:
		return fmt.Sprintf("unknown step type %q", s.Type)
	}
}

// PlanError reports an invalid step. Step is zero based.
type PlanError struct {
	Step   int
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("step %d: %s", e.Step+1, e.Reason)
}

func (s Step) validate(i int) error {
	switch s.Type {
	case StepERG:
		if !(s.Duration > 0) || math.IsInf(s.Duration, 0) {
			return &PlanError{Step: i, Reason: "ERG duration must be a positive number of minutes"}
		}
		if !(s.Power > 0) || s.Power > 2000 {
			return &PlanError{Step: i, Reason: "ERG power must be in (0, 2000] watts"}
		}
	case StepSIM:
		if s.SegmentName == "" {
			return &PlanError{Step: i, Reason: "SIM step needs a route segment name"}
		}
	default:
		return &PlanError{Step: i, Reason: fmt.Sprintf("unknown step type %q", s.Type)}
	}
	return nil
}

// Plan is an ordered list of steps.
type Plan struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// NewPlan validates steps and assigns the plan a fresh ID.
func NewPlan(name string, steps []Step) (*Plan, error) {
	p := &Plan{ID: uuid.NewString(), Name: name, Steps: steps}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	for i, s := range p.Steps {
		if err := s.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// PlannedERGTime sums the ERG durations. SIM steps have no planned time.
func (p *Plan) PlannedERGTime() float64 {
	total := 0.0
	for _, s := range p.Steps {
		if secs, ok := s.PlannedSeconds(); ok {
			total += secs
		}
	}
	return total
}

// SegmentNames lists the distinct routes the plan's SIM steps ride.
func (p *Plan) SegmentNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range p.Steps {
		if s.Type == StepSIM && !seen[s.SegmentName] {
			seen[s.SegmentName] = true
			names = append(names, s.SegmentName)
		}
	}
	return names
}

// ParsePlanJSON accepts either a plan object or a bare array of steps.
// A plan without an ID gets a fresh one.
func ParsePlanJSON(data []byte) (*Plan, error) {
	data = bytes.TrimSpace(data)
	var p Plan
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &p.Steps); err != nil {
			return nil, fmt.Errorf("parsing workout steps: %w", err)
		}
	} else if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing workout plan: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
