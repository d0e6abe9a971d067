package workout

import (
	"context"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/route"
)

var epoch = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

type callKind string

const (
	callPower callKind = "power"
	callSim   callKind = "sim"
	callRamp  callKind = "ramp"
)

type trainerCall struct {
	kind  callKind
	watts int
	sim   ftms.SimParams
	ramp  ftms.RampParams
}

type fakeTrainer struct {
	mu        sync.Mutex
	connected bool
	calls     []trainerCall
	rampErr   error
	powerErr  error
}

var _ Trainer = (*fakeTrainer)(nil)

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{connected: true}
}

func (f *fakeTrainer) record(c trainerCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTrainer) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTrainer) SetTargetPower(ctx context.Context, watts int) error {
	f.record(trainerCall{kind: callPower, watts: watts})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerErr
}

func (f *fakeTrainer) SetSimulationParameters(ctx context.Context, p ftms.SimParams) error {
	f.record(trainerCall{kind: callSim, sim: p})
	return nil
}

func (f *fakeTrainer) RampSimulation(ctx context.Context, p ftms.RampParams) error {
	f.record(trainerCall{kind: callRamp, ramp: p})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rampErr
}

func (f *fakeTrainer) callsOf(kind callKind) []trainerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trainerCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTrainer) powers() []int {
	var out []int
	for _, c := range f.callsOf(callPower) {
		out = append(out, c.watts)
	}
	return out
}

func (f *fakeTrainer) waitForCalls(t *testing.T, kind callKind, n int) []trainerCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.callsOf(kind)) >= n }, 2*time.Second, time.Millisecond,
		"waiting for %d %s calls", n, kind)
	return f.callsOf(kind)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// metersOfLatitude is the latitude span of a meridian arc of m meters.
func metersOfLatitude(m float64) float64 {
	return m / (route.EarthRadiusMeters * math.Pi / 180)
}

// flatRoute is a straight flat route of the given length.
func flatRoute(t *testing.T, name string, meters float64) *route.Route {
	t.Helper()
	r, err := route.New(name, []route.Point{
		{Latitude: 0, Longitude: 0, Elevation: 20},
		{Latitude: metersOfLatitude(meters), Longitude: 0, Elevation: 20},
	})
	require.NoError(t, err)
	return r
}

// climbRoute climbs at gradePct for meters, then stays flat for meters.
func climbRoute(t *testing.T, name string, meters, gradePct float64) *route.Route {
	t.Helper()
	r, err := route.New(name, []route.Point{
		{Latitude: 0, Longitude: 0, Elevation: 0},
		{Latitude: metersOfLatitude(meters), Longitude: 0, Elevation: meters * gradePct / 100},
		{Latitude: metersOfLatitude(2 * meters), Longitude: 0, Elevation: meters * gradePct / 100},
	})
	require.NoError(t, err)
	return r
}

type harness struct {
	clk       *clock.Mock
	trainer   *fakeTrainer
	scheduler *Scheduler

	mu       sync.Mutex
	states   []StateEvent
	stepSums []StepSummary
	sums     []Summary
}

func newHarness(t *testing.T, routes Routes, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{clk: clock.NewMock(epoch), trainer: newFakeTrainer()}
	cfg := Config{Routes: routes, Clock: h.clk, Logger: testLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.scheduler = NewScheduler(cfg)
	h.scheduler.OnState(func(ev StateEvent) {
		h.mu.Lock()
		h.states = append(h.states, ev)
		h.mu.Unlock()
	})
	h.scheduler.OnStepSummary(func(s StepSummary) {
		h.mu.Lock()
		h.stepSums = append(h.stepSums, s)
		h.mu.Unlock()
	})
	h.scheduler.OnSummary(func(s Summary) {
		h.mu.Lock()
		h.sums = append(h.sums, s)
		h.mu.Unlock()
	})
	t.Cleanup(h.scheduler.Shutdown)
	return h
}

func (h *harness) statesWith(reason Reason) []StateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StateEvent
	for _, ev := range h.states {
		if ev.Reason == reason {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) stepSummaries() []StepSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StepSummary(nil), h.stepSums...)
}

func (h *harness) summaries() []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Summary(nil), h.sums...)
}

func speedSample(kph float64) ftms.Sample {
	return ftms.Sample{SpeedKph: kph, HasSpeed: true}
}
