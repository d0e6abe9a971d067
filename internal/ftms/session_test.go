package ftms

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func connectFake(t *testing.T, d *fakeDevice, clk clock.Clock) (*Session, *fakeManager) {
	t.Helper()
	m := newFakeManager(d)
	s, err := Connect(context.Background(), Config{Manager: m, Logger: testLogger(), Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, m
}

// ackOnlyControl acknowledges Request Control and leaves every other
// command unanswered.
func ackOnlyControl(op OpCode) (ResultCode, bool) {
	return ResultSuccess, op == OpRequestControl
}

func waitForWrite(t *testing.T, d *fakeDevice, op OpCode) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case w := <-d.written:
			if OpCode(w[0]) == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s write", op)
		}
	}
}

func TestConnect_SubscribesAndPublishesConnected(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	assert.True(t, s.IsConnected())
	assert.Equal(t, d.address, s.Address())
	assert.True(t, d.subscribed(CharUUIDIndoorBikeData))
	assert.True(t, d.subscribed(CharUUIDFTMSControlPoint))
	assert.True(t, d.subscribed(CharUUIDFitnessMachineStat))
	assert.False(t, d.subscribed(CharUUIDTrainingStatus))
	assert.True(t, d.subscribed(CharUUIDVendorRideData))
	assert.True(t, d.subscribed(CharUUIDVendorSync))
	assert.False(t, d.subscribed(CharUUIDVendorControl))

	ch := make(chan ConnectionEvent, 1)
	s.ListenToConnection(ch)
	ev := <-ch
	assert.Equal(t, StateConnected, ev.State)
	assert.Equal(t, "Fake Trainer", ev.Name)
}

func TestConnect_MissingRequiredCharacteristic(t *testing.T) {
	d := newFakeTrainer().without(CharControlPoint)
	m := newFakeManager(d)

	s, err := Connect(context.Background(), Config{Manager: m, Logger: testLogger()})
	assert.Nil(t, s)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{CharControlPoint.Name}, cerr.Missing)
	assert.Equal(t, 1, m.disconnectCount())
	assert.Equal(t, 0, d.writeCount())
}

func TestConnect_NilLoggerPanics(t *testing.T) {
	assert.PanicsWithValue(t, "FTMSLink: logger cannot be nil", func() {
		_, _ = Connect(context.Background(), Config{Manager: newFakeManager(newFakeTrainer())})
	})
}

func TestSetTargetPower_RequestsControlFirst(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	acks := make(chan Ack, 4)
	s.ListenToAcks(acks)

	require.NoError(t, s.SetTargetPower(context.Background(), 150))
	assert.Equal(t, [][]byte{{0x00}, {0x05, 0x96, 0x00}}, d.writes)

	assert.Equal(t, Ack{OpCode: OpRequestControl, Result: ResultSuccess, Matched: true}, <-acks)
	assert.Equal(t, Ack{OpCode: OpSetTargetPower, Result: ResultSuccess, Matched: true}, <-acks)
}

func TestSetTargetPower_OutOfRange(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	for _, watts := range []int{2500, -1, 2001} {
		err := s.SetTargetPower(context.Background(), watts)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, float64(watts), verr.Value)
	}
	assert.Equal(t, 0, d.writeCount())
}

func TestSetTargetPower_Bounds(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	assert.NoError(t, s.SetTargetPower(context.Background(), 0))
	assert.NoError(t, s.SetTargetPower(context.Background(), 2000))
}

func TestSecondCommandSupersedesFirst(t *testing.T) {
	d := newFakeTrainer()
	d.respond = ackOnlyControl
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	first := make(chan error, 1)
	go func() { first <- s.SetTargetPower(context.Background(), 100) }()
	waitForWrite(t, d, OpSetTargetPower)

	second := make(chan error, 1)
	go func() { second <- s.SetTargetPower(context.Background(), 200) }()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("first command was not superseded")
	}

	waitForWrite(t, d, OpSetTargetPower)
	require.NoError(t, s.Disconnect())
	select {
	case err := <-second:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("second command was not cancelled by disconnect")
	}
}

func TestSupersededControlRequestDropsItsCommand(t *testing.T) {
	d := newFakeTrainer()
	d.respond = func(OpCode) (ResultCode, bool) { return ResultSuccess, false }
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	first := make(chan error, 1)
	go func() { first <- s.SetTargetPower(context.Background(), 100) }()
	waitForWrite(t, d, OpRequestControl)

	second := make(chan error, 1)
	go func() { second <- s.SetTargetPower(context.Background(), 200) }()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("first command was not superseded")
	}

	waitForWrite(t, d, OpRequestControl)
	require.NoError(t, s.Disconnect())
	select {
	case err := <-second:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("second command was not cancelled by disconnect")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.writes {
		assert.Equal(t, OpRequestControl, OpCode(w[0]))
	}
}

func TestAckTimeoutFiresAtDeadline(t *testing.T) {
	d := newFakeTrainer()
	d.respond = ackOnlyControl
	clk := clock.NewMock(testEpoch)
	s, _ := connectFake(t, d, clk)

	result := make(chan error, 1)
	go func() { result <- s.SetTargetPower(context.Background(), 180) }()
	waitForWrite(t, d, OpSetTargetPower)
	require.Equal(t, 1, clk.PendingTimers())

	clk.Advance(DefaultAckTimeout - time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("command finished before the deadline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	select {
	case err := <-result:
		var terr *CommandTimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, OpSetTargetPower, terr.OpCode)
		assert.Equal(t, DefaultAckTimeout, terr.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not fire at the deadline")
	}
}

func TestDeviceRejection(t *testing.T) {
	d := newFakeTrainer()
	d.respond = func(op OpCode) (ResultCode, bool) {
		if op == OpSetIndoorBikeSimulation {
			return ResultInvalidParameter, true
		}
		return ResultSuccess, true
	}
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	err := s.SetSimulationParameters(context.Background(), SimParams{GradePct: 3})
	var rerr *DeviceRejectedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, OpSetIndoorBikeSimulation, rerr.OpCode)
	assert.Equal(t, ResultInvalidParameter, rerr.Result)
}

func TestRequestControlFailureIsIgnored(t *testing.T) {
	d := newFakeTrainer()
	d.respond = func(op OpCode) (ResultCode, bool) {
		if op == OpRequestControl {
			return ResultControlNotPermitted, true
		}
		return ResultSuccess, true
	}
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	assert.NoError(t, s.SetTargetPower(context.Background(), 120))
}

func TestUnmatchedResponseIsSurfacedAsAck(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	acks := make(chan Ack, 1)
	s.ListenToAcks(acks)
	d.notify(CharUUIDFTMSControlPoint, []byte{0x80, 0x11, 0x01})

	assert.Equal(t, Ack{OpCode: OpSetIndoorBikeSimulation, Result: ResultSuccess, Matched: false}, <-acks)
}

func TestWriteFallsBackToWithoutResponse(t *testing.T) {
	d := newFakeTrainer()
	d.writeErr = errors.New("gatt busy")
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	require.NoError(t, s.SetTargetPower(context.Background(), 150))
	assert.Equal(t, [][]byte{{0x00}, {0x05, 0x96, 0x00}}, d.fallbackWrites)
}

func TestWriteFailureIsImmediate(t *testing.T) {
	d := newFakeTrainer()
	d.writeErr = errors.New("gatt busy")
	d.fallbackErr = errors.New("not permitted")
	clk := clock.NewMock(testEpoch)
	s, _ := connectFake(t, d, clk)

	err := s.SetTargetPower(context.Background(), 150)
	var werr *TransportWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, OpSetTargetPower, werr.OpCode)
	assert.Equal(t, 0, clk.PendingTimers())
	var rerr *DeviceRejectedError
	assert.False(t, errors.As(err, &rerr))
}

func TestContextCancelFailsPendingCommand(t *testing.T) {
	d := newFakeTrainer()
	d.respond = ackOnlyControl
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.SetTargetPower(ctx, 100) }()
	waitForWrite(t, d, OpSetTargetPower)
	cancel()

	err := <-result
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisconnectCancelsPendingAndPublishes(t *testing.T) {
	d := newFakeTrainer()
	d.respond = ackOnlyControl
	s, m := connectFake(t, d, clock.NewMock(testEpoch))

	events := make(chan ConnectionEvent, 4)
	s.ListenToConnection(events)
	<-events

	result := make(chan error, 1)
	go func() { result <- s.SetTargetPower(context.Background(), 100) }()
	waitForWrite(t, d, OpSetTargetPower)

	require.NoError(t, s.Disconnect())
	assert.ErrorIs(t, <-result, ErrCancelled)

	ev := <-events
	assert.Equal(t, StateDisconnected, ev.State)
	assert.False(t, ev.LinkLost)
	assert.Equal(t, 1, m.disconnectCount())
	assert.False(t, d.subscribed(CharUUIDIndoorBikeData))

	require.NoError(t, s.Disconnect())
	assert.Equal(t, 1, m.disconnectCount())
	assert.ErrorIs(t, s.SetTargetPower(context.Background(), 100), ErrNotConnected)
}

func TestLinkLossEndsSession(t *testing.T) {
	d := newFakeTrainer()
	s, m := connectFake(t, d, clock.NewMock(testEpoch))

	events := make(chan ConnectionEvent, 4)
	s.ListenToConnection(events)
	<-events

	m.dropLink()
	select {
	case ev := <-events:
		assert.Equal(t, StateDisconnected, ev.State)
		assert.True(t, ev.LinkLost)
	case <-time.After(2 * time.Second):
		t.Fatal("link loss was not published")
	}
	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.SetTargetPower(context.Background(), 100), ErrNotConnected)
}

func TestTelemetryStream(t *testing.T) {
	d := newFakeTrainer()
	clk := clock.NewMock(testEpoch)
	s, _ := connectFake(t, d, clk)

	samples := make(chan Sample, 1)
	s.ListenToTelemetry(samples)
	d.notify(CharUUIDIndoorBikeData, EncodeIndoorBikeData(28.4, 88, 190))

	sample := <-samples
	assert.Equal(t, testEpoch, sample.Timestamp)
	assert.InDelta(t, 28.4, sample.SpeedKph, 1e-9)
	assert.InDelta(t, 88, sample.CadenceRpm, 1e-9)
	assert.Equal(t, 190, sample.PowerW)

	d.notify(CharUUIDIndoorBikeData, []byte{0x01})
	select {
	case <-samples:
		t.Fatal("short frame produced a sample")
	default:
	}
}

func TestSetSimulationParameters_SendsValuesAsGiven(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	require.NoError(t, s.SetSimulationParameters(context.Background(), DefaultSimParams(12.3456)))
	cmd, err := DecodeCommand(d.writes[len(d.writes)-1])
	require.NoError(t, err)
	sim := cmd.(SetSimulation)
	assert.InDelta(t, 12.35, sim.GradePct, 1e-9)
	assert.InDelta(t, DefaultCrr, sim.Crr, 1e-9)
	assert.InDelta(t, DefaultCdA, sim.CdA, 1e-9)

	require.NoError(t, s.SetSimulationParameters(context.Background(), SimParams{GradePct: 1, Crr: 0, CdA: 0}))
	assert.Equal(t, []byte{0x11, 0x00, 0x00, 0x64, 0x00, 0x00, 0x00}, d.writes[len(d.writes)-1])
}

func TestSetSimulationParameters_SaturatesNonFinite(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	require.NoError(t, s.SetSimulationParameters(context.Background(), SimParams{GradePct: math.Inf(1), Crr: math.NaN(), CdA: 0.51, WindMps: math.Inf(-1)}))
	assert.Equal(t, []byte{0x11, 0x00, 0x80, 0xFF, 0x7F, 0x00, 0x33}, d.writes[len(d.writes)-1])

	require.NoError(t, s.SetSimulationParameters(context.Background(), SimParams{GradePct: math.NaN(), Crr: 0.004, CdA: 0.51}))
	assert.Equal(t, []byte{0x11, 0x00, 0x00, 0x00, 0x00, 0x28, 0x33}, d.writes[len(d.writes)-1])
}

func TestRampSimulation(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	err := s.RampSimulation(context.Background(), RampParams{FromPct: 0, ToPct: 5, StepPct: 1, Dwell: 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5}, d.simulationGrades())
}

func TestRampSimulation_DwellsBetweenSteps(t *testing.T) {
	d := newFakeTrainer()
	clk := clock.NewMock(testEpoch)
	s, _ := connectFake(t, d, clk)

	done := make(chan error, 1)
	go func() {
		done <- s.RampSimulation(context.Background(), RampParams{FromPct: 3, ToPct: 1, StepPct: 1, Dwell: 1800 * time.Millisecond})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, []float64{3, 2, 1}, d.simulationGrades())
			assert.GreaterOrEqual(t, clk.Now().Sub(testEpoch), 3*1800*time.Millisecond)
			return
		default:
		}
		require.True(t, time.Now().Before(deadline), "ramp did not finish")
		clk.Advance(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestRampSimulation_StopsOnCancel(t *testing.T) {
	d := newFakeTrainer()
	clk := clock.NewMock(testEpoch)
	s, _ := connectFake(t, d, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.RampSimulation(ctx, RampParams{FromPct: 0, ToPct: 4, StepPct: 1, Dwell: time.Second})
	}()
	require.True(t, clk.BlockUntil(1, 2*time.Second))
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []float64{0}, d.simulationGrades())
}

func TestReadFeatures(t *testing.T) {
	d := newFakeTrainer()
	s, _ := connectFake(t, d, clock.NewMock(testEpoch))

	raw, err := s.ReadFeatures(context.Background())
	require.NoError(t, err)
	f, err := ParseFeatures(raw)
	require.NoError(t, err)
	assert.True(t, f.SupportsSimulation())
}
