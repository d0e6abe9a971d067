package dashboard

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

type fakeSources struct {
	telemetry *events.Stream[ftms.Sample]
	acks      *events.Stream[ftms.Ack]
	conns     *events.Stream[ftms.ConnectionEvent]
	lines     *events.Stream[string]
	state     *events.Stream[workout.StateEvent]
	progress  *events.Stream[workout.Progress]
	steps     *events.Stream[workout.StepSummary]
}

func newFakeSources() *fakeSources {
	return &fakeSources{
		telemetry: events.NewStream[ftms.Sample](false),
		acks:      events.NewStream[ftms.Ack](false),
		conns:     events.NewStream[ftms.ConnectionEvent](false),
		lines:     events.NewStream[string](false),
		state:     events.NewStream[workout.StateEvent](false),
		progress:  events.NewStream[workout.Progress](false),
		steps:     events.NewStream[workout.StepSummary](false),
	}
}

func (f *fakeSources) ListenToTelemetry(ch chan<- ftms.Sample) func() { return f.telemetry.Listen(ch) }
func (f *fakeSources) ListenToAcks(ch chan<- ftms.Ack) func()         { return f.acks.Listen(ch) }
func (f *fakeSources) ListenToLines(ch chan<- string) func()          { return f.lines.Listen(ch) }

func (f *fakeSources) ListenToConnection(ch chan<- ftms.ConnectionEvent) func() {
	return f.conns.Listen(ch)
}

func (f *fakeSources) ListenToState(ch chan<- workout.StateEvent) func() {
	return f.state.Listen(ch)
}

func (f *fakeSources) ListenToProgress(ch chan<- workout.Progress) func() {
	return f.progress.Listen(ch)
}

func (f *fakeSources) ListenToStepSummaries(ch chan<- workout.StepSummary) func() {
	return f.steps.Listen(ch)
}

func newTestModel(t *testing.T, src *fakeSources, gears GearStream) *Model {
	t.Helper()
	m := NewModel(ModelConfig{
		Telemetry:   src,
		Acks:        src,
		Connections: src,
		Lines:       src,
		Gears:       gears,
		Workout:     src,
		Logger:      testLogger(),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestModelFoldsStreamsIntoSnapshot(t *testing.T) {
	src := newFakeSources()
	gb := gearing.NewGearbox(true, testLogger())
	m := newTestModel(t, src, gb)

	src.conns.Notify(ftms.ConnectionEvent{State: ftms.StateConnected, Address: "AA:BB", Name: "Kickr"})
	src.telemetry.Notify(ftms.Sample{PowerW: 210, SpeedKph: 31.5, CadenceRpm: 88, HasPower: true})
	src.acks.Notify(ftms.Ack{OpCode: ftms.OpSetTargetPower, Result: ftms.ResultSuccess, Matched: true})
	require.True(t, gb.ShiftUp())

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Connected && s.HasSample && s.LastAck != nil && s.Gear.Index == gearing.BaselineIndex+1
	}, time.Second, 5*time.Millisecond)

	s := m.Snapshot()
	assert.Equal(t, "Kickr", s.TrainerName)
	assert.Equal(t, 210, s.Sample.PowerW)
	assert.True(t, s.GearingEnabled)

	src.conns.Notify(ftms.ConnectionEvent{State: ftms.StateDisconnected, Address: "AA:BB", Name: "Kickr", LinkLost: true})
	require.Eventually(t, func() bool { return !m.Snapshot().Connected }, time.Second, 5*time.Millisecond)
}

func TestModelResetsStepsOnStart(t *testing.T) {
	src := newFakeSources()
	m := newTestModel(t, src, nil)

	src.steps.Notify(workout.StepSummary{StepNumber: 1, Type: workout.StepERG})
	require.Eventually(t, func() bool { return len(m.Snapshot().Steps) == 1 }, time.Second, 5*time.Millisecond)

	src.state.Notify(workout.StateEvent{Status: workout.StatusRunning, StepCount: 2, Reason: workout.ReasonStart})
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.State.Status == workout.StatusRunning && len(s.Steps) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, workout.StatusRunning, m.Snapshot().Progress.Status)
}

func TestModelLogTailIsBounded(t *testing.T) {
	m := newTestModel(t, newFakeSources(), nil)
	for i := 0; i < maxLogLines+5; i++ {
		m.appendLog("line")
	}
	m.appendLog("last")

	assert.Len(t, m.LogTail(maxLogLines*2), maxLogLines)
	assert.Equal(t, []string{"line", "last"}, m.LogTail(2))
	assert.Nil(t, m.LogTail(0))
}

func TestModelReceivesLogLines(t *testing.T) {
	src := newFakeSources()
	m := newTestModel(t, src, nil)
	src.lines.Notify("Scheduler: started")
	require.Eventually(t, func() bool { return len(m.LogTail(10)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Scheduler: started", m.LogTail(1)[0])
}

func TestSetPlansKeepsPreferredSelection(t *testing.T) {
	m := newTestModel(t, newFakeSources(), nil)
	plans := []store.PlanInfo{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}

	m.SetPlans(plans, "b")
	got, ok := m.SelectedPlan()
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	m.SetPlans(plans, "missing")
	got, ok = m.SelectedPlan()
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	m.SetPlans(nil, "")
	_, ok = m.SelectedPlan()
	assert.False(t, ok)

	_, ok = m.SelectPlan(3)
	assert.False(t, ok)
}

func TestUIStatePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ui_state.json")

	p := newUIStatePersistence(path, testLogger())
	assert.Empty(t, p.lastTrainerAddress())
	p.setLastTrainerAddress("00:11:22:33:44:02")
	p.setLastPlanID("plan-1")

	reloaded := newUIStatePersistence(path, testLogger())
	assert.Equal(t, "00:11:22:33:44:02", reloaded.lastTrainerAddress())
	assert.Equal(t, "plan-1", reloaded.lastPlanID())
}

func TestUIStatePersistenceIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ui_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	p := newUIStatePersistence(path, testLogger())
	assert.Empty(t, p.lastPlanID())
	p.setLastPlanID("x")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"last_plan_id": "x"`)
}

type fakeCommands struct {
	skips, ends int
	err         error
}

func (f *fakeCommands) Skip() error       { f.skips++; return f.err }
func (f *fakeCommands) EndWorkout() error { f.ends++; return f.err }

type fakePlans struct {
	plans []store.PlanInfo
}

func (f *fakePlans) ListPlans(context.Context) ([]store.PlanInfo, error) { return f.plans, nil }

type fakeStarter struct {
	started []string
	err     error
}

func (f *fakeStarter) StartPlan(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return f.err
}

func TestControllerStartsSelectedPlanAndRemembersIt(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "ui_state.json")
	m := newTestModel(t, newFakeSources(), nil)
	starter := &fakeStarter{}
	c := NewController(ControllerConfig{
		Model:     m,
		Commands:  &fakeCommands{},
		Plans:     &fakePlans{plans: []store.PlanInfo{{ID: "p1", Name: "One"}, {ID: "p2", Name: "Two"}}},
		Starter:   starter,
		StatePath: statePath,
		Logger:    testLogger(),
	})
	t.Cleanup(c.Shutdown)

	c.RefreshPlans()
	c.OnPlanSelected(1)
	c.StartSelectedPlan()
	assert.Equal(t, []string{"p2"}, starter.started)

	// a fresh controller puts the selection back on the last plan
	m2 := newTestModel(t, newFakeSources(), nil)
	c2 := NewController(ControllerConfig{
		Model:     m2,
		Commands:  &fakeCommands{},
		Plans:     &fakePlans{plans: []store.PlanInfo{{ID: "p1"}, {ID: "p2"}}},
		StatePath: statePath,
		Logger:    testLogger(),
	})
	c2.RefreshPlans()
	got, ok := m2.SelectedPlan()
	require.True(t, ok)
	assert.Equal(t, "p2", got.ID)
}

func TestControllerStartFailureDoesNotRememberPlan(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "ui_state.json")
	m := newTestModel(t, newFakeSources(), nil)
	c := NewController(ControllerConfig{
		Model:     m,
		Commands:  &fakeCommands{},
		Starter:   &fakeStarter{err: workout.ErrAlreadyRunning},
		StatePath: statePath,
		Logger:    testLogger(),
	})
	m.SetPlans([]store.PlanInfo{{ID: "p1"}}, "")
	c.StartSelectedPlan()

	_, err := os.Stat(statePath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestControllerCommandsAndGears(t *testing.T) {
	m := newTestModel(t, newFakeSources(), nil)
	cmds := &fakeCommands{err: workout.ErrNotRunning}
	gb := gearing.NewGearbox(false, testLogger())
	c := NewController(ControllerConfig{Model: m, Commands: cmds, Gears: gb, Logger: testLogger()})

	c.SkipStep()
	c.EndWorkout()
	assert.Equal(t, 1, cmds.skips)
	assert.Equal(t, 1, cmds.ends)

	c.ShiftUp()
	assert.Equal(t, gearing.BaselineIndex, gb.CurrentGear().Index)

	gb.SetEnabled(true)
	c.ShiftUp()
	c.ShiftUp()
	c.ShiftDown()
	assert.Equal(t, gearing.BaselineIndex+1, gb.CurrentGear().Index)
}

func TestControllerEscapeRequestsClose(t *testing.T) {
	m := newTestModel(t, newFakeSources(), nil)
	c := NewController(ControllerConfig{Model: m, Commands: &fakeCommands{}, Logger: testLogger()})

	ch := make(chan struct{}, 1)
	unregister := m.ListenToCloseApplication(ch)
	defer unregister()

	c.OnEscapeKey()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("close was not requested")
	}
}

func TestFormatWorkout(t *testing.T) {
	idle := formatWorkout(Snapshot{})
	assert.Contains(t, idle, "No workout running")

	step := workout.Step{Type: workout.StepSIM, SegmentName: "col"}
	running := formatWorkout(Snapshot{Progress: workout.Progress{
		Status:         workout.StatusRunning,
		StepIndex:      1,
		StepCount:      2,
		Step:           &step,
		WorkoutElapsed: 95 * time.Second,
		RouteTotal:     1000,
		RouteDistance:  420,
		StepDistance:   420,
		RouteGrade:     4.3,
	}})
	assert.Contains(t, running, "Step 2/2")
	assert.Contains(t, running, "SIM col")
	assert.Contains(t, running, "01:35")
	assert.Contains(t, running, "420m (42%)")
	assert.Contains(t, running, "Grade:[white]     4.3%")
	assert.Contains(t, running, "Finish!")

	done := formatWorkout(Snapshot{
		Progress: workout.Progress{Status: workout.StatusComplete, WorkoutElapsed: 61 * time.Second},
		Steps:    []workout.StepSummary{{}, {}},
	})
	assert.Contains(t, done, "Workout complete")
	assert.Contains(t, done, "01:01")
}

func TestFormatMetricsAndTrainer(t *testing.T) {
	assert.Contains(t, formatMetrics(Snapshot{}), "Waiting for data")

	s := Snapshot{
		HasSample: true,
		Sample:    ftms.Sample{PowerW: 250, SpeedKph: 33.26, CadenceRpm: 91},
	}
	out := formatMetrics(s)
	assert.Contains(t, out, "[yellow]250[white] W")
	assert.Contains(t, out, "[yellow]33.3[white] km/h")
	assert.Contains(t, out, "Gear:     [gray]off")

	trainer := formatTrainer(Snapshot{
		Connected:   true,
		TrainerName: "Mock Smart Trainer",
		LastAck:     &ftms.Ack{OpCode: ftms.OpSetTargetPower, Result: ftms.ResultOperationFailed},
	})
	assert.Contains(t, trainer, "Mock Smart Trainer")
	assert.Contains(t, trainer, "[red]")
	assert.Contains(t, formatTrainer(Snapshot{}), "No trainer connected")
}

func TestFormatSteps(t *testing.T) {
	assert.Contains(t, formatSteps(nil), "No completed steps")
	out := formatSteps([]workout.StepSummary{{StepNumber: 1, Type: workout.StepERG, Target: "200W", ActualDuration: 300, Distance: 2500}})
	assert.Contains(t, out, "1. ERG 200W  05:00  2500m")
}
