// Package mocktrainer simulates an FTMS smart trainer behind the bt device
// and manager interfaces, for --mock runs and end-to-end tests.
package mocktrainer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/bt"
	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
)

const maxWrittenValues = 100

// AckMode is how the trainer answers control point writes.
type AckMode string

const (
	AckSuccess AckMode = "success"
	// AckReject answers every command except Request Control with
	// Operation Failed.
	AckReject AckMode = "reject"
	// AckSilent never answers.
	AckSilent AckMode = "silent"
	// AckDelayed answers after the configured AckDelay.
	AckDelayed AckMode = "delayed"
)

func (m AckMode) Valid() bool {
	switch m {
	case AckSuccess, AckReject, AckSilent, AckDelayed:
		return true
	}
	return false
}

// Mode is the resistance mode the trainer was last commanded into.
type Mode string

const (
	ModeFree Mode = "free"
	ModeERG  Mode = "erg"
	ModeSIM  Mode = "sim"
)

// WrittenValue records a write to a characteristic.
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// State is the trainer state shown on the control panel.
type State struct {
	Address     string  `json:"address"`
	LocalName   string  `json:"localName"`
	Connected   bool    `json:"connected"`
	Mode        Mode    `json:"mode"`
	TargetPower int     `json:"targetPower"`
	GradePct    float64 `json:"gradePct"`
	RiderPower  int     `json:"riderPower"`
	PowerW      int     `json:"powerW"`
	CadenceRpm  float64 `json:"cadenceRpm"`
	SpeedKph    float64 `json:"speedKph"`
	AckMode     AckMode `json:"ackMode"`
}

type DeviceConfig struct {
	Address   string
	LocalName string
	// RiderPower is what the simulated rider pushes outside ERG mode.
	RiderPower int
	CadenceRpm float64
	MassKg     float64
	AckMode    AckMode
	AckDelay   time.Duration
	// NoVendorService leaves out the vendor extension service.
	NoVendorService bool
	Clock           clock.Clock
}

// Device implements bt.BTDevice for a simulated trainer.
type Device struct {
	logger    *log.Logger
	clock     clock.Clock
	address   string
	localName string
	services  []string
	chars     map[string]bool

	mu          sync.RWMutex
	connected   bool
	callbacks   map[string]func([]byte)
	mode        Mode
	targetPower int
	resistance  Resistance
	riderPower  int
	cadenceRpm  float64
	ackMode     AckMode
	ackDelay    time.Duration

	writtenMu     sync.RWMutex
	writtenValues []WrittenValue
}

var _ bt.BTDevice = (*Device)(nil)

func charKey(service, char string) string { return service + "|" + char }

func NewDevice(logger *log.Logger, cfg DeviceConfig) *Device {
	if logger == nil {
		panic("MockTrainer: logger cannot be nil")
	}
	if cfg.Address == "" {
		cfg.Address = "00:11:22:33:44:02"
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "Mock Smart Trainer"
	}
	if cfg.RiderPower <= 0 {
		cfg.RiderPower = 200
	}
	if cfg.CadenceRpm <= 0 {
		cfg.CadenceRpm = 90
	}
	if cfg.MassKg <= 0 {
		cfg.MassKg = 85
	}
	if !cfg.AckMode.Valid() {
		cfg.AckMode = AckSuccess
	}
	if cfg.AckDelay <= 0 {
		cfg.AckDelay = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	d := &Device{
		logger:    logger,
		clock:     cfg.Clock,
		address:   cfg.Address,
		localName: cfg.LocalName,
		services:  []string{ftms.ServiceUUIDFTMS},
		chars:     map[string]bool{},
		callbacks: map[string]func([]byte){},
		mode:      ModeFree,
		resistance: Resistance{
			Crr:    ftms.DefaultCrr,
			CdA:    ftms.DefaultCdA,
			MassKg: cfg.MassKg,
		},
		riderPower: cfg.RiderPower,
		cadenceRpm: cfg.CadenceRpm,
		ackMode:    cfg.AckMode,
		ackDelay:   cfg.AckDelay,
	}
	for _, c := range []ftms.Characteristic{ftms.CharFeature, ftms.CharIndoorBikeData, ftms.CharControlPoint, ftms.CharTrainingStatus, ftms.CharMachineStatus} {
		d.chars[charKey(c.ServiceUUID, c.CharacteristicUUID)] = true
	}
	if !cfg.NoVendorService {
		d.services = append(d.services, ftms.ServiceUUIDVendor)
		for _, c := range ftms.VendorCharacteristics {
			d.chars[charKey(c.ServiceUUID, c.CharacteristicUUID)] = true
		}
	}
	return d
}

// --- bt.BTDevice ---

func (d *Device) GetAddressString() string    { return d.address }
func (d *Device) GetLocalName() string        { return d.localName }
func (d *Device) GetScanRSSI() (int16, error) { return -50, nil }
func (d *Device) GetScanLastSeen() time.Time  { return d.clock.Now() }

func (d *Device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func (d *Device) GetState() bt.BTDeviceState {
	if d.IsConnected() {
		return bt.Connected
	}
	return bt.Disconnected
}

func (d *Device) setConnected(connected bool) {
	d.mu.Lock()
	d.connected = connected
	if !connected {
		d.callbacks = map[string]func([]byte){}
	}
	d.mu.Unlock()
	if connected {
		d.logger.Printf("MockTrainer [%s]: State changed to Connected", d.localName)
	} else {
		d.logger.Printf("MockTrainer [%s]: State changed to Disconnected", d.localName)
	}
}

// WaitForConnection returns at once: the manager connects synchronously.
func (d *Device) WaitForConnection(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	return fmt.Errorf("mock trainer %s is not connected", d.address)
}

func (d *Device) GetServiceUUIDs() []string {
	return append([]string(nil), d.services...)
}

func (d *Device) HasServiceUUID(uuid string) bool {
	for _, u := range d.services {
		if u == uuid {
			return true
		}
	}
	return false
}

func (d *Device) HasCharacteristic(service, char string) bool {
	return d.chars[charKey(service, char)]
}

func (d *Device) EnableNotifications(service, char string, callback func([]byte)) error {
	if !d.HasCharacteristic(service, char) {
		return fmt.Errorf("unknown service/characteristic: %s/%s", service, char)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("mock trainer %s is not connected", d.address)
	}
	d.callbacks[char] = callback
	d.logger.Printf("MockTrainer [%s]: Notifications enabled for %s", d.localName, char)
	return nil
}

func (d *Device) DisableNotifications(service, char string) error {
	if !d.HasCharacteristic(service, char) {
		return fmt.Errorf("unknown service/characteristic: %s/%s", service, char)
	}
	d.mu.Lock()
	delete(d.callbacks, char)
	d.mu.Unlock()
	return nil
}

// featureBytes advertise cadence and power measurement plus power and
// simulation targets.
var featureBytes = []byte{0x02, 0x40, 0x00, 0x00, 0x08, 0x20, 0x00, 0x00}

func (d *Device) ReadCharacteristic(service, char string) ([]byte, error) {
	if service == ftms.ServiceUUIDFTMS && char == ftms.CharUUIDFTMSFeature {
		return append([]byte(nil), featureBytes...), nil
	}
	return nil, fmt.Errorf("unreadable service/characteristic: %s/%s", service, char)
}

func (d *Device) WriteCharacteristic(service, char string, data []byte) error {
	return d.write(service, char, data)
}

func (d *Device) WriteCharacteristicWithoutResponse(service, char string, data []byte) error {
	return d.write(service, char, data)
}

func (d *Device) write(service, char string, data []byte) error {
	if !d.IsConnected() {
		return fmt.Errorf("mock trainer %s is not connected", d.address)
	}
	if !d.HasCharacteristic(service, char) {
		return fmt.Errorf("unknown service/characteristic: %s/%s", service, char)
	}
	data = append([]byte(nil), data...)

	description := ""
	isControl := service == ftms.ServiceUUIDFTMS && char == ftms.CharUUIDFTMSControlPoint
	if isControl {
		description = describeControl(data)
	}
	d.logger.Printf("MockTrainer [%s]: Write %s %s", d.localName, hex.EncodeToString(data), description)

	d.writtenMu.Lock()
	d.writtenValues = append(d.writtenValues, WrittenValue{
		Timestamp:          d.clock.Now(),
		ServiceUUID:        service,
		CharacteristicUUID: char,
		Data:               data,
		DataHex:            hex.EncodeToString(data),
		Description:        description,
	})
	if len(d.writtenValues) > maxWrittenValues {
		d.writtenValues = d.writtenValues[len(d.writtenValues)-maxWrittenValues:]
	}
	d.writtenMu.Unlock()

	if isControl {
		d.handleControl(data)
	}
	return nil
}

func describeControl(data []byte) string {
	cmd, err := ftms.DecodeCommand(data)
	if err != nil {
		if len(data) > 0 {
			return ftms.OpCode(data[0]).String()
		}
		return "empty"
	}
	switch c := cmd.(type) {
	case ftms.SetTargetPower:
		return fmt.Sprintf("Set Target Power: %dW", c.Watts)
	case ftms.SetSimulation:
		return fmt.Sprintf("Set Simulation: grade %.2f%%, crr %.4f, cda %.2f, wind %.2f m/s", c.GradePct, c.Crr, c.CdA, c.WindMps)
	default:
		return c.OpCode().String()
	}
}

func (d *Device) handleControl(data []byte) {
	op := ftms.OpCode(data[0])
	result := ftms.ResultSuccess

	d.mu.Lock()
	ack := d.ackMode
	delay := d.ackDelay
	if ack == AckReject && op != ftms.OpRequestControl {
		result = ftms.ResultOperationFailed
	} else if cmd, err := ftms.DecodeCommand(data); err != nil {
		if op != ftms.OpReset && op != ftms.OpStartOrResume && op != ftms.OpStopOrPause {
			result = ftms.ResultOpCodeNotSupported
		}
	} else {
		switch c := cmd.(type) {
		case ftms.SetTargetPower:
			d.mode = ModeERG
			d.targetPower = int(c.Watts)
		case ftms.SetSimulation:
			d.mode = ModeSIM
			d.resistance.GradePct = c.GradePct
			d.resistance.Crr = c.Crr
			d.resistance.CdA = c.CdA
			d.resistance.WindMps = c.WindMps
		}
	}
	d.mu.Unlock()

	response := ftms.Response{RequestOp: op, Result: result}.Encode()
	switch ack {
	case AckSilent:
	case AckDelayed:
		d.clock.AfterFunc(delay, func() { d.notify(ftms.CharUUIDFTMSControlPoint, response) })
	default:
		// answer off the writing goroutine, like a BLE indication
		go_func_utils.SafeGo(d.logger, func() { d.notify(ftms.CharUUIDFTMSControlPoint, response) })
	}
}

func (d *Device) notify(char string, buf []byte) {
	d.mu.RLock()
	cb := d.callbacks[char]
	d.mu.RUnlock()
	if cb != nil {
		cb(buf)
	}
}

// State returns a snapshot including the modelled power and speed.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	power := d.outputPowerLocked()
	return State{
		Address:     d.address,
		LocalName:   d.localName,
		Connected:   d.connected,
		Mode:        d.mode,
		TargetPower: d.targetPower,
		GradePct:    d.resistance.GradePct,
		RiderPower:  d.riderPower,
		PowerW:      power,
		CadenceRpm:  d.cadenceRpm,
		SpeedKph:    d.speedLocked(power),
		AckMode:     d.ackMode,
	}
}

// outputPowerLocked MUST be called with mu held.
func (d *Device) outputPowerLocked() int {
	if d.mode == ModeERG {
		return d.targetPower
	}
	return d.riderPower
}

// speedLocked MUST be called with mu held. ERG rides a flat road.
func (d *Device) speedLocked(power int) float64 {
	r := d.resistance
	if d.mode != ModeSIM {
		r.GradePct = 0
	}
	return r.SpeedKph(float64(power))
}

// SetRider changes what the simulated rider does. Zero leaves a value
// unchanged.
func (d *Device) SetRider(powerW int, cadenceRpm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if powerW > 0 {
		d.riderPower = powerW
	}
	if cadenceRpm > 0 {
		d.cadenceRpm = cadenceRpm
	}
}

func (d *Device) SetAckMode(mode AckMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown ack mode %q", mode)
	}
	d.mu.Lock()
	d.ackMode = mode
	d.mu.Unlock()
	d.logger.Printf("MockTrainer [%s]: Ack mode %s", d.localName, mode)
	return nil
}

// WrittenValues returns the most recent writes, oldest first.
func (d *Device) WrittenValues() []WrittenValue {
	d.writtenMu.RLock()
	defer d.writtenMu.RUnlock()
	return append([]WrittenValue(nil), d.writtenValues...)
}

// TriggerIndoorBikeData sends one telemetry notification.
func (d *Device) TriggerIndoorBikeData() {
	st := d.State()
	d.notify(ftms.CharUUIDIndoorBikeData, ftms.EncodeIndoorBikeData(st.SpeedKph, st.CadenceRpm, st.PowerW))
}

// TriggerVendorRideData sends a vendor ride data frame carrying the
// current grade in hundredths of a percent.
func (d *Device) TriggerVendorRideData() {
	st := d.State()
	buf := make([]byte, 4)
	buf[0] = 0x01
	binary.LittleEndian.PutUint16(buf[1:], uint16(int16(st.GradePct*100)))
	buf[3] = byte(st.CadenceRpm)
	d.notify(ftms.CharUUIDVendorRideData, buf)
}

func (d *Device) TriggerAllNotifications() {
	d.TriggerIndoorBikeData()
	if d.HasServiceUUID(ftms.ServiceUUIDVendor) {
		d.TriggerVendorRideData()
	}
}
