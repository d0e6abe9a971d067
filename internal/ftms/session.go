package ftms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/bt"
	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
)

type Config struct {
	Manager        bt.BTManagerInterface
	Selector       bt.Selector
	Logger         *log.Logger
	Clock          clock.Clock
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

type ConnectionEvent struct {
	State   ConnectionState `json:"state"`
	Address string          `json:"address"`
	Name    string          `json:"name"`
	// LinkLost is set when the transport dropped rather than Disconnect
	// being called.
	LinkLost bool `json:"linkLost"`
}

// Ack is published for every control point response, whether or not it
// matched the pending command.
type Ack struct {
	OpCode  OpCode     `json:"opCode"`
	Result  ResultCode `json:"result"`
	Matched bool       `json:"matched"`
}

// SimParams are indoor bike simulation parameters. DefaultSimParams
// fills in the usual Crr and CdA.
type SimParams struct {
	GradePct float64
	Crr      float64
	CdA      float64
	WindMps  float64
}

// DefaultSimParams returns gradePct with DefaultCrr and DefaultCdA and no
// wind.
func DefaultSimParams(gradePct float64) SimParams {
	return SimParams{GradePct: gradePct, Crr: DefaultCrr, CdA: DefaultCdA}
}

type RampParams struct {
	FromPct float64
	ToPct   float64
	StepPct float64
	Dwell   time.Duration
	Crr     float64
	CdA     float64
	WindMps float64
}

type subscription struct {
	char Characteristic
}

// Session is one live connection to an FTMS trainer. It is created by
// Connect and is unusable after Disconnect.
type Session struct {
	device     bt.BTDevice
	manager    bt.BTManagerInterface
	logger     *log.Logger
	clock      clock.Clock
	ackTimeout time.Duration

	mu        sync.Mutex
	connected bool
	pending   *ticket
	subs      []subscription

	telemetry  *events.Stream[Sample]
	acks       *events.Stream[Ack]
	connection *events.Stream[ConnectionEvent]

	done      chan struct{}
	closeOnce sync.Once
}

// Connect resolves cfg.Selector to a trainer, connects it, verifies the
// required FTMS characteristics and subscribes to everything it can.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		panic("FTMSLink: logger cannot be nil")
	}
	if cfg.Manager == nil {
		panic("FTMSLink: manager cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Selector.NamePrefix == "" && cfg.Selector.Address == "" {
		cfg.Selector.ServiceUUID = ServiceUUIDFTMS
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	cfg.Logger.Printf("FTMSLink: Looking for trainer (%s)", cfg.Selector)
	device, err := bt.FindDevice(connectCtx, cfg.Manager, cfg.Selector)
	if err != nil {
		return nil, &ConnectionError{Address: cfg.Selector.String(), Err: err}
	}
	address := device.GetAddressString()

	if !device.IsConnected() {
		cfg.Logger.Printf("FTMSLink: Connecting to %s (%s)", device.GetLocalName(), address)
		if err := cfg.Manager.Connect(device); err != nil {
			return nil, &ConnectionError{Address: address, Err: err}
		}
		if err := device.WaitForConnection(connectCtx); err != nil {
			_ = cfg.Manager.Disconnect(device)
			return nil, &ConnectionError{Address: address, Err: err}
		}
	}

	var missing []string
	for _, c := range RequiredCharacteristics {
		if !device.HasCharacteristic(c.ServiceUUID, c.CharacteristicUUID) {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		_ = cfg.Manager.Disconnect(device)
		return nil, &ConnectionError{Address: address, Missing: missing}
	}

	s := &Session{
		device:     device,
		manager:    cfg.Manager,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		ackTimeout: cfg.AckTimeout,
		connected:  true,
		telemetry:  events.NewStream[Sample](false),
		acks:       events.NewStream[Ack](false),
		connection: events.NewStream[ConnectionEvent](true),
		done:       make(chan struct{}),
	}

	if err := s.subscribe(CharIndoorBikeData, s.handleIndoorBikeData); err != nil {
		s.abort()
		return nil, &ConnectionError{Address: address, Err: err}
	}
	if err := s.subscribe(CharControlPoint, s.handleControlPoint); err != nil {
		s.abort()
		return nil, &ConnectionError{Address: address, Err: err}
	}
	for _, c := range []Characteristic{CharTrainingStatus, CharMachineStatus} {
		s.subscribeOptional(c, s.logFrame(c.Name))
	}
	for _, c := range VendorCharacteristics {
		if c.Mode == ModeWrite {
			continue
		}
		s.subscribeOptional(c, s.logFrame(c.Name))
	}

	s.watchLink()
	s.logger.Printf("FTMSLink: Connected and subscribed to %s (%s)", device.GetLocalName(), address)
	s.connection.Notify(ConnectionEvent{State: StateConnected, Address: address, Name: device.GetLocalName()})
	return s, nil
}

func (s *Session) subscribe(c Characteristic, handler func([]byte)) error {
	if err := s.device.EnableNotifications(c.ServiceUUID, c.CharacteristicUUID, handler); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.Name, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, subscription{char: c})
	s.mu.Unlock()
	s.logger.Printf("FTMSLink: Subscribed to %s", c.Name)
	return nil
}

func (s *Session) subscribeOptional(c Characteristic, handler func([]byte)) {
	if !s.device.HasCharacteristic(c.ServiceUUID, c.CharacteristicUUID) {
		return
	}
	if err := s.subscribe(c, handler); err != nil {
		s.logger.Printf("FTMSLink: Optional %s not subscribed: %v", c.Name, err)
	}
}

func (s *Session) logFrame(name string) func([]byte) {
	return func(buf []byte) {
		s.logger.Printf("FTMSLink: %s [% X]", name, buf)
	}
}

// watchLink ends the session when the transport reports the device gone.
func (s *Session) watchLink() {
	drops := make(chan string, 4)
	unregister := s.manager.ListenToDisconnects(drops)
	go_func_utils.SafeGo(s.logger, func() {
		defer unregister()
		for {
			select {
			case <-s.done:
				return
			case addr := <-drops:
				if addr == s.device.GetAddressString() {
					s.logger.Printf("FTMSLink: Link to %s lost", addr)
					s.close(true)
					return
				}
			}
		}
	})
}

// abort tears down a half-open session without publishing events.
func (s *Session) abort() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.unsubscribeAll()
	_ = s.manager.Disconnect(s.device)
}

// Disconnect cancels any pending command, drops subscriptions and closes
// the link. It is safe to call more than once.
func (s *Session) Disconnect() error {
	return s.close(false)
}

func (s *Session) close(linkLost bool) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		t := s.pending
		s.pending = nil
		s.mu.Unlock()

		if t != nil && t.finish(TicketCancelled, ErrCancelled) {
			s.logger.Printf("FTMSLink: Cancelled pending %s", t.op)
		}
		close(s.done)

		if !linkLost {
			s.unsubscribeAll()
			err = s.manager.Disconnect(s.device)
		}
		s.logger.Printf("FTMSLink: Disconnected from %s", s.device.GetAddressString())
		s.connection.Notify(ConnectionEvent{
			State:    StateDisconnected,
			Address:  s.device.GetAddressString(),
			Name:     s.device.GetLocalName(),
			LinkLost: linkLost,
		})
	})
	return err
}

func (s *Session) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := s.device.DisableNotifications(sub.char.ServiceUUID, sub.char.CharacteristicUUID); err != nil {
			s.logger.Printf("FTMSLink: Unsubscribing from %s: %v", sub.char.Name, err)
		}
	}
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Address() string {
	return s.device.GetAddressString()
}

func (s *Session) Name() string {
	return s.device.GetLocalName()
}

// ListenToTelemetry receives every decoded Indoor Bike Data sample.
func (s *Session) ListenToTelemetry(ch chan<- Sample) func() {
	return s.telemetry.Listen(ch)
}

func (s *Session) OnTelemetry(fn func(Sample)) func() {
	return s.telemetry.ListenFunc(fn)
}

func (s *Session) ListenToAcks(ch chan<- Ack) func() {
	return s.acks.Listen(ch)
}

func (s *Session) OnAck(fn func(Ack)) func() {
	return s.acks.ListenFunc(fn)
}

// ListenToConnection replays the latest connection event to new listeners.
func (s *Session) ListenToConnection(ch chan<- ConnectionEvent) func() {
	return s.connection.Listen(ch)
}

func (s *Session) OnConnection(fn func(ConnectionEvent)) func() {
	return s.connection.ListenFunc(fn)
}

func (s *Session) handleIndoorBikeData(buf []byte) {
	sample, err := DecodeIndoorBikeData(buf)
	if err != nil {
		s.logger.Printf("FTMSLink: %v", err)
		return
	}
	sample.Timestamp = s.clock.Now()
	s.telemetry.Notify(sample)
}

func (s *Session) handleControlPoint(buf []byte) {
	resp, ok := DecodeResponse(buf)
	if !ok {
		s.logger.Printf("FTMSLink: Unexpected control point frame [% X]", buf)
		return
	}

	s.mu.Lock()
	t := s.pending
	matched := t != nil && t.op == resp.RequestOp
	if matched {
		s.pending = nil
	}
	s.mu.Unlock()

	s.logger.Printf("FTMS Control Point: %s -> %s", resp.RequestOp, resp.Result)
	if matched {
		if resp.Result == ResultSuccess {
			t.finish(TicketResolved, nil)
		} else {
			t.finish(TicketRejected, &DeviceRejectedError{OpCode: resp.RequestOp, Result: resp.Result})
		}
	}
	s.acks.Notify(Ack{OpCode: resp.RequestOp, Result: resp.Result, Matched: matched})
}

// SetTargetPower switches the trainer to ERG mode at watts.
func (s *Session) SetTargetPower(ctx context.Context, watts int) error {
	if watts < MinTargetPowerWatts || watts > MaxTargetPowerWatts {
		return &ValidationError{Field: "target power", Value: float64(watts), Min: MinTargetPowerWatts, Max: MaxTargetPowerWatts}
	}
	return s.send(ctx, SetTargetPower{Watts: uint16(watts)})
}

// SetSimulationParameters switches the trainer to SIM mode. Values are
// sent as given; out-of-range and non-finite values saturate on the wire.
func (s *Session) SetSimulationParameters(ctx context.Context, p SimParams) error {
	return s.send(ctx, p.command())
}

func (p SimParams) command() SetSimulation {
	return SetSimulation{WindMps: p.WindMps, GradePct: p.GradePct, Crr: p.Crr, CdA: p.CdA}
}

// RampSimulation walks the grade from FromPct to ToPct, holding each step
// for Dwell. The final step is always exactly ToPct.
func (s *Session) RampSimulation(ctx context.Context, p RampParams) error {
	steps, err := RampSteps(p.FromPct, p.ToPct, p.StepPct)
	if err != nil {
		return err
	}
	s.logger.Printf("FTMSLink: Ramp %.2f%% -> %.2f%% by %.2f%% every %v", p.FromPct, p.ToPct, p.StepPct, p.Dwell)
	for _, g := range steps {
		err := s.SetSimulationParameters(ctx, SimParams{GradePct: g, Crr: p.Crr, CdA: p.CdA, WindMps: p.WindMps})
		if err != nil {
			return fmt.Errorf("ramp step %.2f%%: %w", g, err)
		}
		if err := s.clock.Sleep(ctx, p.Dwell); err != nil {
			return fmt.Errorf("ramp dwell: %w", err)
		}
	}
	s.logger.Printf("FTMSLink: Ramp complete")
	return nil
}

// RampSteps returns the grades a ramp visits. The walk direction is the
// sign of to-from (upwards when equal) and the last step is always to.
func RampSteps(from, to, step float64) ([]float64, error) {
	for _, v := range []float64{from, to, step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ValidationError{Field: "ramp", Value: v, Min: math.Inf(-1), Max: math.Inf(1)}
		}
	}
	if step <= 0 {
		return nil, &ValidationError{Field: "ramp step", Value: step, Min: math.SmallestNonzeroFloat64, Max: math.Inf(1)}
	}
	dir := 1.0
	if to < from {
		dir = -1.0
	}

	var steps []float64
	for i := 0; ; i++ {
		g := from + float64(i)*step*dir
		if (dir > 0 && g > to) || (dir < 0 && g < to) {
			break
		}
		steps = append(steps, round2(g))
		if (dir > 0 && g+step > to) || (dir < 0 && g-step < to) {
			if steps[len(steps)-1] != to {
				steps = append(steps, to)
			}
			break
		}
	}
	return steps, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ReadFeatures reads the raw Fitness Machine Feature characteristic.
func (s *Session) ReadFeatures(ctx context.Context) ([]byte, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := s.device.ReadCharacteristic(CharFeature.ServiceUUID, CharFeature.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("reading features: %w", err)
	}
	s.logger.Printf("FTMSLink: Features [% X]", buf)
	return buf, nil
}

// send takes control of the trainer before any command other than
// RequestControl itself. A failed control request is logged and ignored;
// some trainers never acknowledge it.
func (s *Session) send(ctx context.Context, cmd Command) error {
	if cmd.OpCode() != OpRequestControl {
		if err := s.exchange(ctx, RequestControl{}); err != nil {
			// Superseded means a newer command owns the link, so cmd is dropped.
			if errors.Is(err, ErrSuperseded) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrNotConnected) {
				return err
			}
			s.logger.Printf("FTMSLink: WARN %s failed: %v", OpRequestControl, err)
		}
	}
	return s.exchange(ctx, cmd)
}

// exchange writes cmd and waits for its response. The ticket is armed
// before the write so that a response delivered during the write resolves
// it.
func (s *Session) exchange(ctx context.Context, cmd Command) error {
	op := cmd.OpCode()
	payload := cmd.Encode()
	t := newTicket(op)

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	prev := s.pending
	s.pending = t
	t.arm(s.clock.AfterFunc(s.ackTimeout, func() { s.expire(t) }))
	s.mu.Unlock()

	if prev != nil && prev.finish(TicketSuperseded, ErrSuperseded) {
		s.logger.Printf("FTMSLink: %s superseded by %s", prev.op, op)
	}

	s.logger.Printf("FTMSLink: WRITE %s [% X]", op, payload)
	if err := s.write(op, payload); err != nil {
		s.release(t)
		t.finish(TicketWriteFailed, err)
		return err
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		s.release(t)
		t.finish(TicketCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}
	return t.err
}

func (s *Session) write(op OpCode, payload []byte) error {
	err := s.device.WriteCharacteristic(CharControlPoint.ServiceUUID, CharControlPoint.CharacteristicUUID, payload)
	if err == nil {
		return nil
	}
	s.logger.Printf("FTMSLink: Write with response failed (%v), trying without response", err)
	fallbackErr := s.device.WriteCharacteristicWithoutResponse(CharControlPoint.ServiceUUID, CharControlPoint.CharacteristicUUID, payload)
	if fallbackErr == nil {
		return nil
	}
	return &TransportWriteError{OpCode: op, Err: err, FallbackErr: fallbackErr}
}

func (s *Session) expire(t *ticket) {
	s.release(t)
	if t.finish(TicketTimedOut, &CommandTimeoutError{OpCode: t.op, Timeout: s.ackTimeout}) {
		s.logger.Printf("FTMSLink: ACK timeout for %s", t.op)
	}
}

// release clears t as the pending ticket if it still is.
func (s *Session) release(t *ticket) {
	s.mu.Lock()
	if s.pending == t {
		s.pending = nil
	}
	s.mu.Unlock()
}
