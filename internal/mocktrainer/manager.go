package mocktrainer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/bt"
	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
)

const DefaultNotifyInterval = time.Second

type ManagerConfig struct {
	Device DeviceConfig
	// NotifyInterval is the telemetry period while connected.
	NotifyInterval time.Duration
	Clock          clock.Clock
}

// Manager implements bt.BTManagerInterface over a single simulated trainer.
type Manager struct {
	logger   *log.Logger
	clock    clock.Clock
	device   *Device
	interval time.Duration

	mu         sync.Mutex
	scanning   bool
	scanTimer  clock.Timer
	notifyGen  uint64
	notifyTime clock.Timer
	shutdown   bool

	deviceList *events.Stream[[]bt.BTDevice]
	drops      *events.Stream[string]
}

var _ bt.BTManagerInterface = (*Manager)(nil)

func NewManager(logger *log.Logger, cfg ManagerConfig) *Manager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Device.Clock == nil {
		cfg.Device.Clock = cfg.Clock
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultNotifyInterval
	}
	return &Manager{
		logger:     logger,
		clock:      cfg.Clock,
		device:     NewDevice(logger, cfg.Device),
		interval:   cfg.NotifyInterval,
		deviceList: events.NewStream[[]bt.BTDevice](false),
		drops:      events.NewStream[string](false),
	}
}

func (m *Manager) Device() *Device {
	return m.device
}

func (m *Manager) Enable() error {
	m.logger.Println("MockBTManager: Enabled with one mock trainer")
	return nil
}

func (m *Manager) GetBTDeviceByAddressString(address string) bt.BTDevice {
	if address == m.device.address {
		return m.device
	}
	return nil
}

// StartScan reports the trainer at once and then every second until
// StopScan.
func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	if m.scanning || m.shutdown {
		m.mu.Unlock()
		return
	}
	m.scanning = true
	m.mu.Unlock()

	m.logger.Println("MockBTManager: Starting scan")
	go_func_utils.SafeGo(m.logger, func() { m.emitScan(serviceUuidFilter) })
}

func (m *Manager) emitScan(filter []string) {
	m.mu.Lock()
	if !m.scanning {
		m.mu.Unlock()
		return
	}
	m.scanTimer = m.clock.AfterFunc(time.Second, func() { m.emitScan(filter) })
	m.mu.Unlock()

	m.deviceList.Notify(m.scanResults(filter))
}

func (m *Manager) scanResults(filter []string) []bt.BTDevice {
	if len(filter) == 0 {
		return []bt.BTDevice{m.device}
	}
	for _, uuid := range filter {
		if m.device.HasServiceUUID(uuid) {
			return []bt.BTDevice{m.device}
		}
	}
	return []bt.BTDevice{}
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanning {
		m.logger.Println("MockBTManager: Stopping scan")
	}
	m.scanning = false
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	return nil
}

func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

func (m *Manager) GetScanDevices() []bt.BTDevice {
	if m.IsScanning() {
		return []bt.BTDevice{m.device}
	}
	return []bt.BTDevice{}
}

func (m *Manager) GetConnectedDevices() []bt.BTDevice {
	if m.device.IsConnected() {
		return []bt.BTDevice{m.device}
	}
	return []bt.BTDevice{}
}

func (m *Manager) Connect(device bt.BTDevice) error {
	if device.GetAddressString() != m.device.address {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return fmt.Errorf("mock manager is shut down")
	}
	m.mu.Unlock()

	m.logger.Printf("MockBTManager: Connecting to %s", m.device.address)
	m.device.setConnected(true)
	m.startNotifications()
	return nil
}

func (m *Manager) Disconnect(device bt.BTDevice) error {
	if device.GetAddressString() != m.device.address {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	m.dropLink("disconnect requested")
	return nil
}

// DropLink simulates the trainer going out of range.
func (m *Manager) DropLink() {
	m.dropLink("link lost")
}

func (m *Manager) dropLink(reason string) {
	if !m.device.IsConnected() {
		return
	}
	m.logger.Printf("MockBTManager: %s: %s", m.device.address, reason)
	m.stopNotifications()
	m.device.setConnected(false)
	m.drops.Notify(m.device.address)
}

func (m *Manager) startNotifications() {
	m.mu.Lock()
	m.notifyGen++
	gen := m.notifyGen
	m.armNotifyLocked(gen)
	m.mu.Unlock()
}

// armNotifyLocked MUST be called with mu held.
func (m *Manager) armNotifyLocked(gen uint64) {
	m.notifyTime = m.clock.AfterFunc(m.interval, func() { m.notifyTick(gen) })
}

func (m *Manager) notifyTick(gen uint64) {
	m.mu.Lock()
	if gen != m.notifyGen || m.shutdown {
		m.mu.Unlock()
		return
	}
	m.armNotifyLocked(gen)
	m.mu.Unlock()

	if m.device.IsConnected() {
		m.device.TriggerAllNotifications()
	}
}

func (m *Manager) stopNotifications() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyGen++
	if m.notifyTime != nil {
		m.notifyTime.Stop()
		m.notifyTime = nil
	}
}

func (m *Manager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	return m.deviceList.Listen(ch)
}

func (m *Manager) ListenToDisconnects(ch chan<- string) func() {
	return m.drops.Listen(ch)
}

func (m *Manager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	_ = m.StopScan()
	m.dropLink("shutdown")
	m.stopNotifications()
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.logger.Println("MockBTManager: Shutdown complete")
}
