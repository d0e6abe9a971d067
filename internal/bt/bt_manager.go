package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/events"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// BTManagerInterface is the adapter surface: scanning, connection and
// connection-loss notification.
type BTManagerInterface interface {
	Enable() error
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	GetScanDevices() []BTDevice
	GetBTDeviceByAddressString(addressString string) BTDevice
	GetConnectedDevices() []BTDevice
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	// ListenToDeviceList receives the recently scanned devices once a second
	// while a scan is running.
	ListenToDeviceList(ch chan<- []BTDevice) func()
	// ListenToDisconnects receives the address of every device whose link
	// drops, whether requested or not.
	ListenToDisconnects(ch chan<- string) func()
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter          *bluetooth.Adapter
	logger           *log.Logger
	scanTimeout      time.Duration
	mu               sync.RWMutex
	devicesByAddress map[string]*btDeviceImpl
	scanning         bool
	scanCancel       context.CancelFunc
	deviceListEvent  *events.Stream[[]BTDevice]
	disconnectEvent  *events.Stream[string]
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	shutdownOnce     sync.Once
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:          adapter,
		logger:           logger,
		scanTimeout:      scanTimeout,
		devicesByAddress: make(map[string]*btDeviceImpl),
		deviceListEvent:  events.NewStream[[]BTDevice](true),
		disconnectEvent:  events.NewStream[string](false),
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d := m.getOrCreateDevice(device.Address)
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", device.Address.String())
			dev := device
			d.setConnectedDevice(&dev, Connected)
			return
		}
		m.logger.Printf("BTManager: Device disconnected: %s", device.Address.String())
		d.setConnectedDevice(nil, Disconnected)
		m.disconnectEvent.Notify(device.Address.String())
	})
	return m.adapter.Enable()
}

func (m *BTManager) getOrCreateDevice(address bluetooth.Address) *btDeviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateDeviceLocked(address)
}

// getOrCreateDeviceLocked MUST be called with mu held.
func (m *BTManager) getOrCreateDeviceLocked(address bluetooth.Address) *btDeviceImpl {
	key := address.String()
	d, ok := m.devicesByAddress[key]
	if !ok {
		d = newBtDeviceImpl(m.logger, address, m.scanTimeout)
		m.devicesByAddress[key] = d
	}
	return d
}

func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devicesByAddress[addressString]; ok {
		return d
	}
	return nil
}

// StartScan scans for advertisers offering any of serviceUuidFilter (all
// advertisers when the filter is empty). A running scan is restarted.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, f := range serviceUuidFilter {
		filterSet[f] = struct{}{}
	}
	m.logger.Printf("BTManager: Starting scan, filter %v", serviceUuidFilter)

	if m.scanning && m.scanCancel != nil {
		m.scanCancel()
	}
	m.scanning = true
	scanCtx, scanCancel := context.WithCancel(m.ctx)
	m.scanCancel = scanCancel

	m.wg.Add(3)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.cleanupStaleDevices(scanCtx)
	})

	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				return
			}
			if len(filterSet) > 0 && !advertisesAny(result, filterSet) {
				return
			}
			m.mu.Lock()
			d, known := m.devicesByAddress[result.Address.String()]
			if !known {
				d = m.getOrCreateDeviceLocked(result.Address)
			}
			m.mu.Unlock()
			res := result
			d.setScanResult(&res, time.Now())
			if !known {
				m.logger.Printf("BTManager: Found device %q (%s) [RSSI: %d]", d.GetLocalName(), result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
		}
	})

	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.deviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

func advertisesAny(result bluetooth.ScanResult, filterSet map[string]struct{}) bool {
	for _, u := range result.ServiceUUIDs() {
		if _, ok := filterSet[u.String()]; ok {
			return true
		}
	}
	return false
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			var removed []string
			for addr, d := range m.devicesByAddress {
				if !d.IsConnected() && now.Sub(d.GetScanLastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, addr)
					removed = append(removed, addr)
				}
			}
			m.mu.Unlock()
			for _, addr := range removed {
				m.logger.Printf("BTManager: Device timeout: %s (not seen for %v)", addr, m.scanTimeout)
			}
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	result := make([]BTDevice, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		if d.isRecentlyScanned(now) {
			result = append(result, d)
		}
	}
	return result
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

// Connect initiates a connection. Completion is reported through the
// adapter's connect handler; callers wait with WaitForConnection.
func (m *BTManager) Connect(device BTDevice) error {
	addr := device.GetAddressString()
	m.mu.RLock()
	d, ok := m.devicesByAddress[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("BTManager: unknown device %s", addr)
	}

	m.logger.Printf("BTManager: Connecting to %s", addr)
	d.setState(Connecting)
	if _, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{}); err != nil {
		d.setState(Disconnected)
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addr := device.GetAddressString()
	m.mu.RLock()
	d, ok := m.devicesByAddress[addr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("BTManager: unknown device %s", addr)
	}

	inner := d.getConnectedDevice()
	if inner == nil {
		return nil
	}
	m.logger.Printf("BTManager: Disconnecting from %s", addr)
	return inner.Disconnect()
}

func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.deviceListEvent.Listen(ch)
}

func (m *BTManager) ListenToDisconnects(ch chan<- string) func() {
	return m.disconnectEvent.Listen(ch)
}

// Shutdown disconnects every device, stops scanning and waits for the
// manager's goroutines.
func (m *BTManager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Println("BTManager: Shutting down")
		for _, d := range m.GetConnectedDevices() {
			if err := m.Disconnect(d); err != nil {
				m.logger.Printf("BTManager: Error disconnecting from %s: %v", d.GetAddressString(), err)
			}
		}
		if err := m.StopScan(); err != nil {
			m.logger.Printf("BTManager: Error stopping scan: %v", err)
		}
		m.cancel()
		m.wg.Wait()
		m.logger.Println("BTManager: Shutdown complete")
	})
}
