// Package workout runs a hybrid workout plan against a trainer: ERG steps
// hold a target power for a fixed time, SIM steps ride a route's grade
// until skipped.
package workout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
	"github.com/nford88/hybrid-workout-ftms/internal/route"
	"github.com/nford88/hybrid-workout-ftms/internal/sim"
)

const (
	DefaultSimTickInterval  = 2000 * time.Millisecond
	DefaultSettleDelay      = 250 * time.Millisecond
	DefaultRampStepPct      = 1.0
	DefaultRampDwell        = 1800 * time.Millisecond
	DefaultProgressInterval = time.Second

	// the SIM entry ramp starts this far below the first route grade
	rampLeadPct = 2.0

	DefaultSimCrr = 0.003
	DefaultSimCdA = 0.45
)

// Trainer is the part of an FTMS session the scheduler drives.
type Trainer interface {
	IsConnected() bool
	SetTargetPower(ctx context.Context, watts int) error
	SetSimulationParameters(ctx context.Context, p ftms.SimParams) error
	RampSimulation(ctx context.Context, p ftms.RampParams) error
}

var _ Trainer = (*ftms.Session)(nil)

// Physics are the rolling resistance, drag area and wind used for SIM
// steps. Values are sent as given, zero included.
type Physics struct {
	Crr     float64
	CdA     float64
	WindMps float64
}

// DefaultPhysics returns DefaultSimCrr and DefaultSimCdA with no wind.
func DefaultPhysics() Physics {
	return Physics{Crr: DefaultSimCrr, CdA: DefaultSimCdA}
}

type Config struct {
	Routes  RouteResolver
	Clock   clock.Clock
	Logger  *log.Logger
	Gearbox *gearing.Gearbox // optional
	// Physics defaults to DefaultPhysics when nil.
	Physics *Physics
	// SimTickInterval is the least time between two SIM updates driven by
	// telemetry.
	SimTickInterval  time.Duration
	SettleDelay      time.Duration
	ProgressInterval time.Duration
}

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason says why the scheduler changed state.
type Reason string

const (
	ReasonStart    Reason = "start"
	ReasonDeadline Reason = "deadline"
	ReasonSkip     Reason = "skip"
	ReasonEnd      Reason = "end"
	ReasonComplete Reason = "complete"
)

// StateEvent is published on every step transition.
type StateEvent struct {
	Status    Status `json:"status"`
	StepIndex int    `json:"stepIndex"`
	StepCount int    `json:"stepCount"`
	Step      *Step  `json:"step,omitempty"`
	Reason    Reason `json:"reason"`
}

// Scheduler owns the workout state machine Idle -> Running -> Complete.
// Device commands are issued asynchronously; their failures are logged and
// never hold up a transition.
type Scheduler struct {
	routes           RouteResolver
	clock            clock.Clock
	logger           *log.Logger
	gearbox          *gearing.Gearbox
	physics          Physics
	simTickInterval  time.Duration
	settleDelay      time.Duration
	progressInterval time.Duration

	simulator *sim.Simulator
	gate      *sim.CommandGate

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	plan         *Plan
	trainer      Trainer
	profiles     map[string]resolvedRoute
	stepIndex    int
	run          uint64
	gen          uint64
	stepCtx      context.Context
	stepCancel   context.CancelFunc
	deadline     clock.Timer
	ticker       clock.Timer
	workoutStart time.Time
	stepStart    time.Time
	lastSpeedKph float64

	// SIM step accumulators, reset on every step entry
	currentRoute   *resolvedRoute
	lastTick       time.Time
	lastSimUpdate  time.Time
	stepDistance   float64
	routeDistance  float64
	routeCompleted bool
	routeGrade     float64

	steps   []StepSummary
	summary *Summary

	state         *events.Stream[StateEvent]
	stepSummaries *events.Stream[StepSummary]
	summaries     *events.Stream[Summary]
	progress      *events.Stream[Progress]

	unsubscribeGear func()
	wg              sync.WaitGroup
	shutdownOnce    sync.Once
}

// NewScheduler creates an idle scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		panic("WorkoutScheduler: logger cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	physics := DefaultPhysics()
	if cfg.Physics != nil {
		physics = *cfg.Physics
	}
	if cfg.SimTickInterval <= 0 {
		cfg.SimTickInterval = DefaultSimTickInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		routes:           cfg.Routes,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		gearbox:          cfg.Gearbox,
		physics:          physics,
		simTickInterval:  cfg.SimTickInterval,
		settleDelay:      cfg.SettleDelay,
		progressInterval: cfg.ProgressInterval,
		simulator:        sim.NewSimulator(cfg.Clock),
		gate:             sim.NewCommandGate(),
		ctx:              ctx,
		cancel:           cancel,
		status:           StatusIdle,
		state:            events.NewStream[StateEvent](true),
		stepSummaries:    events.NewStream[StepSummary](false),
		summaries:        events.NewStream[Summary](true),
		progress:         events.NewStream[Progress](true),
	}
	if s.gearbox != nil {
		s.unsubscribeGear = s.gearbox.OnGearChange(s.onGearChange)
	}
	return s
}

// outbox collects notifications to deliver once mu is released.
type outbox []func()

func (o *outbox) add(fn func()) {
	*o = append(*o, fn)
}

func (o outbox) flush() {
	for _, fn := range o {
		fn()
	}
}

// Start runs plan on trainer from its first step. Every route the plan's
// SIM steps name is resolved before anything is sent to the trainer.
func (s *Scheduler) Start(ctx context.Context, plan *Plan, trainer Trainer) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if trainer == nil || !trainer.IsConnected() {
		return ftms.ErrNotConnected
	}
	if s.Status() == StatusRunning {
		return ErrAlreadyRunning
	}

	profiles, err := s.resolveRoutes(ctx, plan)
	if err != nil {
		return err
	}

	var out outbox
	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.plan = plan
	s.trainer = trainer
	s.profiles = profiles
	s.status = StatusRunning
	s.stepIndex = 0
	s.run++
	s.workoutStart = s.clock.Now()
	s.steps = nil
	s.summary = nil
	s.lastTick = time.Time{}
	s.gate.Reset()

	s.logger.Printf("WorkoutScheduler: === WORKOUT STARTED === %q, %d steps", plan.Name, len(plan.Steps))
	s.enterStepLocked(&out, ReasonStart)
	s.armTickerLocked(s.run)
	s.mu.Unlock()

	out.flush()
	return nil
}

func (s *Scheduler) resolveRoutes(ctx context.Context, plan *Plan) (map[string]resolvedRoute, error) {
	profiles := make(map[string]resolvedRoute)
	for _, name := range plan.SegmentNames() {
		if s.routes == nil {
			return nil, &route.DataError{Reason: fmt.Sprintf("no route source for %q", name)}
		}
		rt, err := s.routes.ResolveRoute(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving route %q: %w", name, err)
		}
		profile := rt.Profile()
		profiles[name] = resolvedRoute{name: rt.Name, profile: profile, total: profile.TotalDistance()}
	}
	return profiles, nil
}

// Skip ends the current step and moves to the next one.
func (s *Scheduler) Skip() error {
	var out outbox
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.logger.Printf("WorkoutScheduler: Step %d skipped", s.stepIndex+1)
	s.advanceLocked(&out, ReasonSkip)
	s.mu.Unlock()

	out.flush()
	return nil
}

// EndWorkout finishes the workout now, recording the current step.
func (s *Scheduler) EndWorkout() error {
	var out outbox
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.finishLocked(&out, ReasonEnd)
	s.mu.Unlock()

	out.flush()
	return nil
}

func (s *Scheduler) onDeadline(gen uint64) {
	var out outbox
	s.mu.Lock()
	if s.status != StatusRunning || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.logger.Printf("WorkoutScheduler: Step %d reached its planned duration", s.stepIndex+1)
	s.advanceLocked(&out, ReasonDeadline)
	s.mu.Unlock()

	out.flush()
}

// advanceLocked MUST be called with mu held
func (s *Scheduler) advanceLocked(out *outbox, reason Reason) {
	s.recordStepLocked(out)
	s.stepIndex++
	if s.stepIndex >= len(s.plan.Steps) {
		s.finishLocked(out, ReasonComplete)
		return
	}
	s.enterStepLocked(out, reason)
}

// enterStepLocked resets every per-step accumulator before any device work
// is dispatched, so a late tick from the previous step sees the new state.
// MUST be called with mu held
func (s *Scheduler) enterStepLocked(out *outbox, reason Reason) {
	if s.stepIndex >= len(s.plan.Steps) {
		s.finishLocked(out, ReasonComplete)
		return
	}
	s.stopStepLocked()

	s.gen++
	gen := s.gen
	s.stepCtx, s.stepCancel = context.WithCancel(s.ctx)
	ctx, trainer := s.stepCtx, s.trainer
	step := s.plan.Steps[s.stepIndex]
	s.stepStart = s.clock.Now()

	s.currentRoute = nil
	s.lastSimUpdate = time.Time{}
	s.stepDistance = 0
	s.routeDistance = 0
	s.routeCompleted = false
	s.routeGrade = 0
	s.simulator.Reset()

	s.logger.Printf("WorkoutScheduler: --- STEP %d/%d: %s ---", s.stepIndex+1, len(s.plan.Steps), step)

	switch step.Type {
	case StepERG:
		watts := s.ergWatts(step.Power)
		s.goAsync(func() { s.setPower(ctx, trainer, watts) })
		d := time.Duration(step.Duration * float64(time.Minute))
		s.deadline = s.clock.AfterFunc(d, func() { s.onDeadline(gen) })

	case StepSIM:
		rt := s.profiles[step.SegmentName]
		s.currentRoute = &rt
		s.routeGrade = rt.profile.GradeAtDistance(0)
		s.logger.Printf("WorkoutScheduler: SIM following %q (%.0fm total)", rt.name, rt.total)
		target := s.routeGrade
		s.goAsync(func() { s.enterSim(ctx, trainer, target) })
	}

	ev := s.stateLocked(reason)
	out.add(func() { s.state.Notify(ev) })
}

// finishLocked MUST be called with mu held
func (s *Scheduler) finishLocked(out *outbox, reason Reason) {
	if s.stepIndex < len(s.plan.Steps) {
		s.recordStepLocked(out)
	}
	s.stopStepLocked()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.status = StatusComplete

	trainer := s.trainer
	s.goAsync(func() { s.setPower(s.ctx, trainer, 0) })

	summary := Summarize(s.plan, s.workoutStart, s.clock.Now(), s.steps)
	s.summary = &summary
	s.logger.Printf("WorkoutScheduler: === WORKOUT SUMMARY === time %.1fmin | distance %.2fkm | avg %.1fkph | %d steps",
		summary.TotalTime/60, summary.TotalDistance/1000, summary.AverageSpeed, len(summary.Steps))

	ev := s.stateLocked(reason)
	out.add(func() {
		s.state.Notify(ev)
		s.summaries.Notify(summary)
	})
}

// recordStepLocked MUST be called with mu held
func (s *Scheduler) recordStepLocked(out *outbox) {
	step := s.plan.Steps[s.stepIndex]
	summary, clamped := SummarizeStep(StepRecord{
		Index:          s.stepIndex,
		Step:           step,
		Start:          s.stepStart,
		End:            s.clock.Now(),
		LastSpeedKph:   s.lastSpeedKph,
		StepDistance:   s.stepDistance,
		RouteDistance:  s.routeDistance,
		RouteCompleted: s.routeCompleted,
	})
	if clamped {
		s.logger.Printf("WorkoutScheduler: WARN negative distance for step %d corrected to 0 (speed %.1fkph, step distance %.1fm)",
			summary.StepNumber, s.lastSpeedKph, s.stepDistance)
	}
	s.steps = append(s.steps, summary)

	if summary.RouteDistance != nil {
		s.logger.Printf("WorkoutScheduler: STEP %d COMPLETE: SIM | %.1fmin | total %.2fkm | route %.2fkm complete=%v | avg %.1fkph",
			summary.StepNumber, summary.ActualDuration/60, summary.Distance/1000, *summary.RouteDistance/1000, *summary.RouteCompleted, summary.AverageSpeed)
	} else {
		s.logger.Printf("WorkoutScheduler: STEP %d COMPLETE: %s | %.1fmin | %.2fkm | avg %.1fkph",
			summary.StepNumber, summary.Target, summary.ActualDuration/60, summary.Distance/1000, summary.AverageSpeed)
	}
	out.add(func() { s.stepSummaries.Notify(summary) })
}

// stopStepLocked cancels the step's deadline and in-flight device work.
// MUST be called with mu held
func (s *Scheduler) stopStepLocked() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.stepCancel != nil {
		s.stepCancel()
		s.stepCancel = nil
	}
}

// stateLocked MUST be called with mu held
func (s *Scheduler) stateLocked(reason Reason) StateEvent {
	ev := StateEvent{Status: s.status, StepIndex: s.stepIndex, Reason: reason}
	if s.plan != nil {
		ev.StepCount = len(s.plan.Steps)
		if s.stepIndex < len(s.plan.Steps) {
			step := s.plan.Steps[s.stepIndex]
			ev.Step = &step
		}
	}
	return ev
}

// currentStepLocked MUST be called with mu held
func (s *Scheduler) currentStepLocked() (Step, bool) {
	if s.status != StatusRunning || s.plan == nil || s.stepIndex >= len(s.plan.Steps) {
		return Step{}, false
	}
	return s.plan.Steps[s.stepIndex], true
}

// HandleTelemetry feeds one trainer sample to the scheduler. Out-of-range
// fields are ignored. During a SIM step, speed advances the rider along the
// route at most once per SimTickInterval.
func (s *Scheduler) HandleTelemetry(sample ftms.Sample) {
	sample = Sanitize(sample)
	if !sample.HasSpeed {
		return
	}

	s.mu.Lock()
	s.lastSpeedKph = sample.SpeedKph
	step, ok := s.currentStepLocked()
	if !ok || step.Type != StepSIM {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) <= s.simTickInterval {
		s.mu.Unlock()
		return
	}
	s.lastTick = now
	raw := s.simTickLocked(now, sample.SpeedKph)
	grade, send := s.nextGrade(raw, sample.SpeedKph, s.routeDistance)
	ctx, trainer := s.stepCtx, s.trainer
	s.mu.Unlock()

	if send {
		s.goAsync(func() { s.setGrade(ctx, trainer, grade, raw) })
	}
}

// simTickLocked advances the route position by the distance ridden since
// the previous tick and returns the route grade there. Route distance stops
// at the route's end; step distance does not.
// MUST be called with mu held
func (s *Scheduler) simTickLocked(now time.Time, speedKph float64) float64 {
	if s.lastSimUpdate.IsZero() {
		s.lastSimUpdate = now
	}
	total := math.Inf(1)
	var profile route.Profile
	if s.currentRoute != nil {
		total = s.currentRoute.total
		profile = s.currentRoute.profile
	}

	if !math.IsNaN(speedKph) && !math.IsInf(speedKph, 0) {
		dt := math.Max(0, now.Sub(s.lastSimUpdate).Seconds())
		increment := speedKph * 1000 / 3600 * dt
		s.stepDistance += increment

		if prev := s.routeDistance; prev < total {
			s.routeDistance = math.Min(prev+increment, total)
			if s.routeDistance >= total {
				s.routeCompleted = true
				s.logger.Printf("WorkoutScheduler: SIM route complete: finished %q at %.0fm, holding final grade", s.currentRoute.name, total)
			}
		}
	}
	s.lastSimUpdate = now

	s.routeGrade = profile.GradeAtDistance(s.routeDistance)
	return s.routeGrade
}

// nextGrade smooths raw through the simulator and gearing, and reports
// whether the result passes the command gate.
func (s *Scheduler) nextGrade(raw, speedKph, distance float64) (float64, bool) {
	grade := s.simulator.CalculateRealisticGrade(raw, speedKph, distance)
	if s.gearbox != nil {
		grade = s.gearbox.ApplyToGradient(grade)
	}
	return grade, s.gate.Allow(s.clock.Now(), grade)
}

// enterSim takes the trainer out of ERG, lets it settle and ramps into the
// route's first grade. A failed ramp falls back to a direct grade command.
func (s *Scheduler) enterSim(ctx context.Context, trainer Trainer, target float64) {
	s.setPower(ctx, trainer, 0)
	if err := s.clock.Sleep(ctx, s.settleDelay); err != nil {
		return
	}

	from := rampStart(target)
	s.logger.Printf("WorkoutScheduler: SIM ramping to %.2f%%", target)
	err := trainer.RampSimulation(ctx, ftms.RampParams{
		FromPct: from,
		ToPct:   target,
		StepPct: DefaultRampStepPct,
		Dwell:   DefaultRampDwell,
		Crr:     s.physics.Crr,
		CdA:     s.physics.CdA,
		WindMps: s.physics.WindMps,
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	s.logger.Printf("WorkoutScheduler: WARN SIM ramp failed, setting direct grade: %v", err)
	if grade, send := s.nextGrade(target, 0, 0); send {
		s.setGrade(ctx, trainer, grade, target)
	}
}

func (s *Scheduler) setGrade(ctx context.Context, trainer Trainer, grade, raw float64) {
	err := trainer.SetSimulationParameters(ctx, ftms.SimParams{
		GradePct: grade,
		Crr:      s.physics.Crr,
		CdA:      s.physics.CdA,
		WindMps:  s.physics.WindMps,
	})
	if err != nil {
		if !errors.Is(err, ftms.ErrCancelled) {
			s.logger.Printf("WorkoutScheduler: WARN SIM grade %.1f%% failed: %v", grade, err)
		}
		return
	}
	s.logger.Printf("WorkoutScheduler: SIM raw %.1f%% -> applied %.1f%%", raw, grade)
}

func (s *Scheduler) setPower(ctx context.Context, trainer Trainer, watts int) {
	if err := trainer.SetTargetPower(ctx, watts); err != nil {
		if !errors.Is(err, ftms.ErrCancelled) {
			s.logger.Printf("WorkoutScheduler: Failed to set ERG power %dW: %v", watts, err)
		}
		return
	}
	s.logger.Printf("WorkoutScheduler: ERG power set to %dW", watts)
}

// ergWatts rounds and limits a planned power, then applies the gear.
func (s *Scheduler) ergWatts(power float64) int {
	watts := int(math.Round(math.Max(ftms.MinTargetPowerWatts, math.Min(ftms.MaxTargetPowerWatts, power))))
	if s.gearbox != nil {
		watts = s.gearbox.ApplyToPower(watts)
	}
	return watts
}

// onGearChange re-sends the ERG target in the new gear. SIM steps pick the
// gear up on their next tick.
func (s *Scheduler) onGearChange(gear gearing.Gear) {
	s.mu.Lock()
	step, ok := s.currentStepLocked()
	if !ok || step.Type != StepERG {
		s.mu.Unlock()
		return
	}
	watts := s.ergWatts(step.Power)
	ctx, trainer := s.stepCtx, s.trainer
	s.mu.Unlock()

	s.logger.Printf("WorkoutScheduler: Gear %s, ERG target now %dW", gear.Display, watts)
	s.goAsync(func() { s.setPower(ctx, trainer, watts) })
}

// armTickerLocked MUST be called with mu held
func (s *Scheduler) armTickerLocked(run uint64) {
	s.ticker = s.clock.AfterFunc(s.progressInterval, func() { s.onTick(run) })
}

func (s *Scheduler) onTick(run uint64) {
	s.mu.Lock()
	if s.status != StatusRunning || s.run != run {
		s.mu.Unlock()
		return
	}
	p := s.progressLocked()
	s.armTickerLocked(run)
	s.mu.Unlock()

	s.progress.Notify(p)
}

func (s *Scheduler) goAsync(fn func()) {
	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		fn()
	})
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Steps returns the step summaries recorded so far.
func (s *Scheduler) Steps() []StepSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepSummary(nil), s.steps...)
}

// LastSummary returns the most recent finished workout.
func (s *Scheduler) LastSummary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return Summary{}, false
	}
	return *s.summary, true
}

// ListenToState replays the latest transition to new listeners.
func (s *Scheduler) ListenToState(ch chan<- StateEvent) func() {
	return s.state.Listen(ch)
}

func (s *Scheduler) OnState(fn func(StateEvent)) func() {
	return s.state.ListenFunc(fn)
}

func (s *Scheduler) ListenToStepSummaries(ch chan<- StepSummary) func() {
	return s.stepSummaries.Listen(ch)
}

func (s *Scheduler) OnStepSummary(fn func(StepSummary)) func() {
	return s.stepSummaries.ListenFunc(fn)
}

func (s *Scheduler) ListenToSummaries(ch chan<- Summary) func() {
	return s.summaries.Listen(ch)
}

func (s *Scheduler) OnSummary(fn func(Summary)) func() {
	return s.summaries.ListenFunc(fn)
}

func (s *Scheduler) ListenToProgress(ch chan<- Progress) func() {
	return s.progress.Listen(ch)
}

func (s *Scheduler) OnProgress(fn func(Progress)) func() {
	return s.progress.ListenFunc(fn)
}

// Shutdown stops any running workout without recording it and waits for
// in-flight device commands to return.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopStepLocked()
		if s.ticker != nil {
			s.ticker.Stop()
			s.ticker = nil
		}
		if s.status == StatusRunning {
			s.status = StatusIdle
		}
		s.mu.Unlock()

		if s.unsubscribeGear != nil {
			s.unsubscribeGear()
		}
		s.cancel()
		s.wg.Wait()
	})
}

// Sanitize drops fields outside plausible trainer ranges: power in
// [-500, 2000] W, cadence in [0, 250] rpm and speed in [0, 80] km/h.
func Sanitize(s ftms.Sample) ftms.Sample {
	if s.HasPower && (s.PowerW < -500 || s.PowerW > 2000) {
		s.HasPower = false
	}
	if s.HasCadence && !(s.CadenceRpm >= 0 && s.CadenceRpm <= 250) {
		s.HasCadence = false
	}
	if s.HasSpeed && !(s.SpeedKph >= 0 && s.SpeedKph <= 80) {
		s.HasSpeed = false
	}
	return s
}

// rampStart is where the SIM entry ramp begins: rampLeadPct closer to flat
// than target, never crossing zero.
func rampStart(target float64) float64 {
	lead := math.Max(0, math.Abs(target)-rampLeadPct)
	switch {
	case target > 0:
		return lead
	case target < 0:
		return -lead
	default:
		return 0
	}
}
