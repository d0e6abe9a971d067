package ftms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/bt"
	"github.com/nford88/hybrid-workout-ftms/internal/events"
)

type fakeDevice struct {
	mu             sync.Mutex
	address        string
	name           string
	connected      bool
	chars          map[string]bool
	handlers       map[string]func([]byte)
	writes         [][]byte
	fallbackWrites [][]byte
	writeErr       error
	fallbackErr    error
	respond        func(op OpCode) (ResultCode, bool)
	features       []byte
	written        chan []byte
}

var _ bt.BTDevice = (*fakeDevice)(nil)

func charKey(svc, char string) string { return svc + "|" + char }

func newFakeTrainer() *fakeDevice {
	d := &fakeDevice{
		address:  "AA:BB:CC:DD:EE:FF",
		name:     "Fake Trainer",
		chars:    map[string]bool{},
		handlers: map[string]func([]byte){},
		written:  make(chan []byte, 256),
		respond:  func(OpCode) (ResultCode, bool) { return ResultSuccess, true },
		features: []byte{0x86, 0x50, 0x00, 0x00, 0x0C, 0x20, 0x00, 0x00},
	}
	for _, c := range []Characteristic{CharFeature, CharIndoorBikeData, CharControlPoint, CharMachineStatus} {
		d.chars[charKey(c.ServiceUUID, c.CharacteristicUUID)] = true
	}
	for _, c := range VendorCharacteristics {
		d.chars[charKey(c.ServiceUUID, c.CharacteristicUUID)] = true
	}
	return d
}

func (d *fakeDevice) without(c Characteristic) *fakeDevice {
	delete(d.chars, charKey(c.ServiceUUID, c.CharacteristicUUID))
	return d
}

func (d *fakeDevice) GetAddressString() string { return d.address }
func (d *fakeDevice) GetLocalName() string     { return d.name }
func (d *fakeDevice) GetScanRSSI() (int16, error) {
	return -50, nil
}
func (d *fakeDevice) GetScanLastSeen() time.Time { return time.Now() }
func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}
func (d *fakeDevice) GetState() bt.BTDeviceState {
	if d.IsConnected() {
		return bt.Connected
	}
	return bt.Disconnected
}
func (d *fakeDevice) WaitForConnection(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	return fmt.Errorf("not connected")
}
func (d *fakeDevice) GetServiceUUIDs() []string { return []string{ServiceUUIDFTMS} }
func (d *fakeDevice) HasServiceUUID(uuid string) bool {
	return uuid == ServiceUUIDFTMS
}
func (d *fakeDevice) HasCharacteristic(svc, char string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chars[charKey(svc, char)]
}

func (d *fakeDevice) EnableNotifications(svc, char string, cb func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.chars[charKey(svc, char)] {
		return fmt.Errorf("characteristic %s not found", char)
	}
	d.handlers[char] = cb
	return nil
}

func (d *fakeDevice) DisableNotifications(svc, char string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, char)
	return nil
}

func (d *fakeDevice) ReadCharacteristic(svc, char string) ([]byte, error) {
	if char != CharUUIDFTMSFeature {
		return nil, fmt.Errorf("unreadable")
	}
	return d.features, nil
}

func (d *fakeDevice) WriteCharacteristic(svc, char string, data []byte) error {
	d.mu.Lock()
	d.writes = append(d.writes, append([]byte(nil), data...))
	err := d.writeErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.deliver(data)
	return nil
}

func (d *fakeDevice) WriteCharacteristicWithoutResponse(svc, char string, data []byte) error {
	d.mu.Lock()
	d.fallbackWrites = append(d.fallbackWrites, append([]byte(nil), data...))
	err := d.fallbackErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.deliver(data)
	return nil
}

// deliver records an accepted write and answers it like a trainer would,
// synchronously on the writing goroutine.
func (d *fakeDevice) deliver(data []byte) {
	select {
	case d.written <- append([]byte(nil), data...):
	default:
	}
	d.mu.Lock()
	respond := d.respond
	d.mu.Unlock()
	if result, ok := respond(OpCode(data[0])); ok {
		d.notify(CharUUIDFTMSControlPoint, Response{RequestOp: OpCode(data[0]), Result: result}.Encode())
	}
}

func (d *fakeDevice) notify(char string, buf []byte) {
	d.mu.Lock()
	cb := d.handlers[char]
	d.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
}

func (d *fakeDevice) subscribed(char string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[char]
	return ok
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes) + len(d.fallbackWrites)
}

func (d *fakeDevice) simulationGrades() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var grades []float64
	for _, w := range d.writes {
		if cmd, err := DecodeCommand(w); err == nil {
			if sim, ok := cmd.(SetSimulation); ok {
				grades = append(grades, sim.GradePct)
			}
		}
	}
	return grades
}

type fakeManager struct {
	mu          sync.Mutex
	device      *fakeDevice
	disconnects int
	drops       *events.Stream[string]
}

var _ bt.BTManagerInterface = (*fakeManager)(nil)

func newFakeManager(d *fakeDevice) *fakeManager {
	return &fakeManager{device: d, drops: events.NewStream[string](false)}
}

func (m *fakeManager) Enable() error      { return nil }
func (m *fakeManager) StartScan([]string) {}
func (m *fakeManager) StopScan() error    { return nil }
func (m *fakeManager) IsScanning() bool   { return false }
func (m *fakeManager) Shutdown()          {}
func (m *fakeManager) GetScanDevices() []bt.BTDevice {
	return []bt.BTDevice{m.device}
}
func (m *fakeManager) GetBTDeviceByAddressString(a string) bt.BTDevice {
	if a == m.device.address {
		return m.device
	}
	return nil
}
func (m *fakeManager) GetConnectedDevices() []bt.BTDevice { return nil }
func (m *fakeManager) Connect(d bt.BTDevice) error {
	m.device.mu.Lock()
	m.device.connected = true
	m.device.mu.Unlock()
	return nil
}
func (m *fakeManager) Disconnect(d bt.BTDevice) error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	m.device.mu.Lock()
	m.device.connected = false
	m.device.mu.Unlock()
	return nil
}
func (m *fakeManager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() { return func() {} }
func (m *fakeManager) ListenToDisconnects(ch chan<- string) func() {
	return m.drops.Listen(ch)
}

func (m *fakeManager) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// dropLink simulates the transport losing the device.
func (m *fakeManager) dropLink() {
	m.device.mu.Lock()
	m.device.connected = false
	m.device.mu.Unlock()
	m.drops.Notify(m.device.address)
}
