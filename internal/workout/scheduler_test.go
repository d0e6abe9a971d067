package workout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
)

func mustPlan(t *testing.T, steps ...Step) *Plan {
	t.Helper()
	p, err := NewPlan("test", steps)
	require.NoError(t, err)
	return p
}

func erg(minutes, watts float64) Step {
	return Step{Type: StepERG, Duration: minutes, Power: watts}
}

func simStep(name string) Step {
	return Step{Type: StepSIM, SegmentName: name}
}

func TestEndToEnd_ERGDeadlineIntoSIM(t *testing.T) {
	h := newHarness(t, Routes{"RouteA": flatRoute(t, "RouteA", 1000)})
	plan := mustPlan(t, erg(1, 150), simStep("RouteA"))

	require.NoError(t, h.scheduler.Start(context.Background(), plan, h.trainer))
	h.trainer.waitForCalls(t, callPower, 1)

	h.clk.Advance(60000 * time.Millisecond)

	assert.Len(t, h.statesWith(ReasonDeadline), 1)
	sums := h.stepSummaries()
	require.Len(t, sums, 1)
	require.NotNil(t, sums[0].PlannedDuration)
	assert.Equal(t, 60.0, *sums[0].PlannedDuration)
	assert.Equal(t, 60.0, sums[0].ActualDuration)
	assert.Equal(t, "150W", sums[0].Target)
	assert.Nil(t, sums[0].RouteDistance)
	assert.Nil(t, sums[0].RouteCompleted)

	snap := h.scheduler.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 1, snap.StepIndex)
	require.NotNil(t, snap.Step)
	assert.Equal(t, StepSIM, snap.Step.Type)
	assert.InDelta(t, 1000, snap.RouteTotal, 1e-6)

	// SIM entry drops ERG, settles, then ramps into the flat start
	h.trainer.waitForCalls(t, callPower, 2)
	assert.Equal(t, []int{150, 0}, h.trainer.powers())
	require.True(t, h.clk.BlockUntil(2, time.Second))
	h.clk.Advance(DefaultSettleDelay)

	ramps := h.trainer.waitForCalls(t, callRamp, 1)
	assert.Equal(t, ftms.RampParams{
		FromPct: 0,
		ToPct:   0,
		StepPct: 1,
		Dwell:   1800 * time.Millisecond,
		Crr:     0.003,
		CdA:     0.45,
	}, ramps[0].ramp)

	// SIM steps have no deadline
	h.clk.Advance(10 * time.Minute)
	assert.Len(t, h.statesWith(ReasonDeadline), 1)
	assert.Equal(t, StatusRunning, h.scheduler.Status())
}

func TestDeadlineFiresAtPlannedDuration(t *testing.T) {
	h := newHarness(t, nil)
	plan := mustPlan(t, erg(1, 150), erg(2, 200))
	require.NoError(t, h.scheduler.Start(context.Background(), plan, h.trainer))
	h.trainer.waitForCalls(t, callPower, 1)

	h.clk.Advance(59999 * time.Millisecond)
	assert.Empty(t, h.statesWith(ReasonDeadline))

	h.clk.Advance(time.Millisecond)
	assert.Len(t, h.statesWith(ReasonDeadline), 1)
	assert.Equal(t, 1, h.scheduler.Snapshot().StepIndex)

	h.trainer.waitForCalls(t, callPower, 2)
	assert.Equal(t, []int{150, 200}, h.trainer.powers())
}

func TestSkipCancelsDeadline(t *testing.T) {
	h := newHarness(t, nil)
	plan := mustPlan(t, erg(1, 150), erg(1, 200))
	require.NoError(t, h.scheduler.Start(context.Background(), plan, h.trainer))
	h.trainer.waitForCalls(t, callPower, 1)

	h.clk.Advance(30 * time.Second)
	require.NoError(t, h.scheduler.Skip())
	h.trainer.waitForCalls(t, callPower, 2)

	// the first step's deadline would have fired here
	h.clk.Advance(30 * time.Second)
	assert.Equal(t, 1, h.scheduler.Snapshot().StepIndex)
	assert.Empty(t, h.statesWith(ReasonDeadline))

	h.clk.Advance(30 * time.Second)
	assert.Equal(t, StatusComplete, h.scheduler.Status())
	assert.Len(t, h.statesWith(ReasonSkip), 1)
	assert.Len(t, h.statesWith(ReasonComplete), 1)

	sums := h.stepSummaries()
	require.Len(t, sums, 2)
	assert.Equal(t, 30.0, sums[0].ActualDuration)
	assert.Equal(t, 60.0, sums[1].ActualDuration)

	summaries := h.summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, 90.0, summaries[0].TotalTime)
	assert.Len(t, summaries[0].Steps, 2)
	assert.Equal(t, plan.ID, summaries[0].PlanID)

	h.trainer.waitForCalls(t, callPower, 3)
	assert.Equal(t, []int{150, 200, 0}, h.trainer.powers())
}

func TestERGDistanceUsesLastKnownSpeed(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, erg(1, 150)), h.trainer))

	h.scheduler.HandleTelemetry(speedSample(20))
	h.clk.Advance(30 * time.Second)
	h.scheduler.HandleTelemetry(speedSample(36))
	// out of range, ignored
	h.scheduler.HandleTelemetry(speedSample(95))
	h.clk.Advance(30 * time.Second)

	sums := h.stepSummaries()
	require.Len(t, sums, 1)
	assert.InDelta(t, 600, sums[0].Distance, 1e-9)
	assert.InDelta(t, 36, sums[0].AverageSpeed, 1e-9)

	summary, ok := h.scheduler.LastSummary()
	require.True(t, ok)
	assert.InDelta(t, 600, summary.TotalDistance, 1e-9)
}

func TestRouteDistanceStopsAtRouteEnd(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 200)})
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, simStep("Loop")), h.trainer))

	completions := 0
	completed := false
	for i := 0; i < 20; i++ {
		h.scheduler.HandleTelemetry(speedSample(36))
		p := h.scheduler.Snapshot()
		assert.LessOrEqual(t, p.RouteDistance, p.RouteTotal)
		if p.RouteCompleted && !completed {
			completions++
		}
		completed = p.RouteCompleted
		h.clk.Advance(2001 * time.Millisecond)
	}

	p := h.scheduler.Snapshot()
	assert.Equal(t, 1, completions)
	assert.True(t, p.RouteCompleted)
	assert.InDelta(t, p.RouteTotal, p.RouteDistance, 1e-9)
	// the first tick only starts the clock
	assert.InDelta(t, 19*20.01, p.StepDistance, 1e-6)
	assert.Contains(t, p.DistanceLabel(), "200+")

	require.NoError(t, h.scheduler.EndWorkout())
	sums := h.stepSummaries()
	require.Len(t, sums, 1)
	assert.InDelta(t, 19*20.01, sums[0].Distance, 1e-6)
	require.NotNil(t, sums[0].RouteCompleted)
	assert.True(t, *sums[0].RouteCompleted)
	assert.InDelta(t, p.RouteTotal, *sums[0].RouteDistance, 1e-9)
	assert.Nil(t, sums[0].PlannedDuration)
	assert.Equal(t, "Route Grade", sums[0].Target)
}

func TestSimTickIsThrottled(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 1000)})
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, simStep("Loop")), h.trainer))

	h.scheduler.HandleTelemetry(speedSample(36))
	h.clk.Advance(time.Second)
	h.scheduler.HandleTelemetry(speedSample(36))
	h.clk.Advance(time.Second)
	h.scheduler.HandleTelemetry(speedSample(36))
	assert.Equal(t, 0.0, h.scheduler.Snapshot().StepDistance)

	h.clk.Advance(time.Millisecond)
	h.scheduler.HandleTelemetry(speedSample(36))
	assert.InDelta(t, 20.01, h.scheduler.Snapshot().StepDistance, 1e-9)
}

func TestSimGradesAreSmoothedAndGated(t *testing.T) {
	h := newHarness(t, Routes{"Hill": climbRoute(t, "Hill", 200, 5)})
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, simStep("Hill")), h.trainer))

	for i := 0; i < 3; i++ {
		h.scheduler.HandleTelemetry(speedSample(36))
		h.clk.Advance(2001 * time.Millisecond)
	}

	// t=0 sends flat, t=2s is held by the 3s gate, t=4s sends the second
	// 1.5 point move eased by momentum
	calls := h.trainer.waitForCalls(t, callSim, 2)
	var grades []float64
	for _, c := range calls {
		grades = append(grades, c.sim.GradePct)
		assert.Equal(t, 0.003, c.sim.Crr)
		assert.Equal(t, 0.45, c.sim.CdA)
	}
	require.Len(t, grades, 2)
	assert.ElementsMatch(t, []float64{0, 2.25}, grades)
	assert.InDelta(t, 5.0, h.scheduler.Snapshot().RouteGrade, 1e-9)
}

func TestSimToSimResetsRouteStateOnEntry(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 100)})
	plan := mustPlan(t, simStep("Loop"), simStep("Loop"))
	require.NoError(t, h.scheduler.Start(context.Background(), plan, h.trainer))

	h.trainer.waitForCalls(t, callPower, 1)
	require.True(t, h.clk.BlockUntil(2, time.Second))
	h.clk.Advance(DefaultSettleDelay)
	h.trainer.waitForCalls(t, callRamp, 1)

	// 72kph covers 40m per tick, so the third tick runs off the route
	h.scheduler.HandleTelemetry(speedSample(72))
	for i := 0; i < 3; i++ {
		h.clk.Advance(2001 * time.Millisecond)
		h.scheduler.HandleTelemetry(speedSample(72))
	}
	before := h.scheduler.Snapshot()
	assert.True(t, before.RouteCompleted)
	assert.InDelta(t, 100, before.RouteDistance, 1e-6)
	assert.Greater(t, before.StepDistance, 100.0)

	h.clk.Advance(2001 * time.Millisecond)
	require.NoError(t, h.scheduler.Skip())

	after := h.scheduler.Snapshot()
	assert.Equal(t, 1, after.StepIndex)
	assert.Zero(t, after.RouteDistance)
	assert.Zero(t, after.StepDistance)
	assert.False(t, after.RouteCompleted)

	// a sample that the previous step would have credited with 2s of riding
	h.scheduler.HandleTelemetry(speedSample(72))
	late := h.scheduler.Snapshot()
	assert.Zero(t, late.RouteDistance)
	assert.Zero(t, late.StepDistance)
	assert.False(t, late.RouteCompleted)

	sums := h.stepSummaries()
	require.Len(t, sums, 1)
	require.NotNil(t, sums[0].RouteCompleted)
	assert.True(t, *sums[0].RouteCompleted)
	require.NotNil(t, sums[0].RouteDistance)
	assert.InDelta(t, 100, *sums[0].RouteDistance, 1e-6)

	h.trainer.waitForCalls(t, callPower, 2)
	require.True(t, h.clk.BlockUntil(2, time.Second))
	h.clk.Advance(DefaultSettleDelay)
	ramps := h.trainer.waitForCalls(t, callRamp, 2)
	assert.Equal(t, 0.0, ramps[1].ramp.FromPct)
	assert.Equal(t, 0.0, ramps[1].ramp.ToPct)

	h.clk.Advance(2001 * time.Millisecond)
	h.scheduler.HandleTelemetry(speedSample(72))
	resumed := h.scheduler.Snapshot()
	// measured from the step's first sample, settle delay included
	assert.InDelta(t, 20*2.251, resumed.RouteDistance, 1e-6)
	assert.False(t, resumed.RouteCompleted)
}

func TestExplicitZeroPhysicsIsSentAsGiven(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 1000)}, func(c *Config) {
		c.Physics = &Physics{}
	})
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, simStep("Loop")), h.trainer))

	h.trainer.waitForCalls(t, callPower, 1)
	require.True(t, h.clk.BlockUntil(2, time.Second))
	h.clk.Advance(DefaultSettleDelay)

	ramps := h.trainer.waitForCalls(t, callRamp, 1)
	assert.Zero(t, ramps[0].ramp.Crr)
	assert.Zero(t, ramps[0].ramp.CdA)
	assert.Zero(t, ramps[0].ramp.WindMps)
}

func TestRampFailureFallsBackToDirectGrade(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 1000)})
	h.trainer.rampErr = errors.New("ramp refused")
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, simStep("Loop")), h.trainer))

	h.trainer.waitForCalls(t, callPower, 1)
	require.True(t, h.clk.BlockUntil(2, time.Second))
	h.clk.Advance(DefaultSettleDelay)

	h.trainer.waitForCalls(t, callRamp, 1)
	calls := h.trainer.waitForCalls(t, callSim, 1)
	assert.Equal(t, 0.0, calls[0].sim.GradePct)
}

func TestCommandFailuresDoNotBlockTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.trainer.powerErr = &ftms.CommandTimeoutError{OpCode: ftms.OpSetTargetPower, Timeout: 4 * time.Second}
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, erg(1, 150), erg(1, 150)), h.trainer))

	h.clk.Advance(2 * time.Minute)
	assert.Equal(t, StatusComplete, h.scheduler.Status())
	assert.Len(t, h.stepSummaries(), 2)
}

func TestEndWorkoutRecordsCurrentStep(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 1000)})
	plan := mustPlan(t, simStep("Loop"), erg(5, 150))
	require.NoError(t, h.scheduler.Start(context.Background(), plan, h.trainer))

	h.clk.Advance(5 * time.Second)
	require.NoError(t, h.scheduler.EndWorkout())

	assert.Equal(t, StatusComplete, h.scheduler.Status())
	assert.Len(t, h.statesWith(ReasonEnd), 1)
	summaries := h.summaries()
	require.Len(t, summaries, 1)
	require.Len(t, summaries[0].Steps, 1)
	assert.Equal(t, StepSIM, summaries[0].Steps[0].Type)
	assert.Equal(t, 5.0, summaries[0].TotalTime)

	assert.ErrorIs(t, h.scheduler.Skip(), ErrNotRunning)
	assert.ErrorIs(t, h.scheduler.EndWorkout(), ErrNotRunning)

	// SIM entry and the end both release ERG
	h.trainer.waitForCalls(t, callPower, 2)
	assert.Equal(t, []int{0, 0}, h.trainer.powers())
}

func TestStart_Refusals(t *testing.T) {
	h := newHarness(t, Routes{"Loop": flatRoute(t, "Loop", 1000)})
	ctx := context.Background()

	assert.ErrorIs(t, h.scheduler.Start(ctx, &Plan{}, h.trainer), ErrEmptyPlan)

	offline := newFakeTrainer()
	offline.connected = false
	assert.ErrorIs(t, h.scheduler.Start(ctx, mustPlan(t, erg(1, 100)), offline), ftms.ErrNotConnected)

	err := h.scheduler.Start(ctx, mustPlan(t, simStep("Nowhere")), h.trainer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nowhere")
	assert.Equal(t, StatusIdle, h.scheduler.Status())

	require.NoError(t, h.scheduler.Start(ctx, mustPlan(t, erg(1, 100)), h.trainer))
	assert.ErrorIs(t, h.scheduler.Start(ctx, mustPlan(t, erg(1, 100)), h.trainer), ErrAlreadyRunning)

	// a finished workout can be followed by another
	h.clk.Advance(time.Minute)
	require.Equal(t, StatusComplete, h.scheduler.Status())
	require.NoError(t, h.scheduler.Start(ctx, mustPlan(t, erg(1, 100)), h.trainer))
	assert.Empty(t, h.scheduler.Steps())
}

func TestGearShiftResendsERGTarget(t *testing.T) {
	gearbox := gearing.NewGearbox(true, testLogger())
	h := newHarness(t, nil, func(c *Config) { c.Gearbox = gearbox })
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, erg(10, 150)), h.trainer))
	h.trainer.waitForCalls(t, callPower, 1)

	require.True(t, gearbox.ShiftUp())
	h.trainer.waitForCalls(t, callPower, 2)
	assert.Equal(t, []int{150, 166}, h.trainer.powers())
}

func TestProgressTicks(t *testing.T) {
	h := newHarness(t, nil)
	ch := make(chan Progress, 8)
	h.scheduler.ListenToProgress(ch)
	require.NoError(t, h.scheduler.Start(context.Background(), mustPlan(t, erg(2, 150)), h.trainer))

	h.clk.Advance(3 * time.Second)
	var last Progress
	for i := 0; i < 3; i++ {
		last = <-ch
	}
	assert.Equal(t, 3*time.Second, last.WorkoutElapsed)
	assert.Equal(t, 117*time.Second, last.StepRemaining)
	assert.Equal(t, 2*time.Minute, last.PlannedTime)
	assert.InDelta(t, 2.5, last.WorkoutProgressPct(), 1e-9)
}

func TestRampStart(t *testing.T) {
	assert.Equal(t, 3.0, rampStart(5))
	assert.Equal(t, -3.0, rampStart(-5))
	assert.Equal(t, 0.0, rampStart(1.5))
	assert.Equal(t, 0.0, rampStart(-1))
	assert.Equal(t, 0.0, rampStart(0))
}

func TestSanitize(t *testing.T) {
	s := Sanitize(ftms.Sample{
		SpeedKph: 81, HasSpeed: true,
		CadenceRpm: 90, HasCadence: true,
		PowerW: -600, HasPower: true,
	})
	assert.False(t, s.HasSpeed)
	assert.True(t, s.HasCadence)
	assert.False(t, s.HasPower)

	s = Sanitize(ftms.Sample{SpeedKph: -1, HasSpeed: true, CadenceRpm: 251, HasCadence: true, PowerW: 2000, HasPower: true})
	assert.False(t, s.HasSpeed)
	assert.False(t, s.HasCadence)
	assert.True(t, s.HasPower)
}
