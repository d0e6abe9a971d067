package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// BTDevice is the GATT surface the trainer link needs. Service and
// characteristic UUIDs are passed as strings in canonical 128-bit form.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	IsConnected() bool
	GetState() BTDeviceState
	WaitForConnection(ctx context.Context) error
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
	// HasCharacteristic discovers the service on first use and reports
	// whether the characteristic exists on it.
	HasCharacteristic(serviceUuid string, characteristicUuid string) bool
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error
}

var _ BTDevice = (*btDeviceImpl)(nil)

type btDeviceImpl struct {
	address         bluetooth.Address
	localName       string
	scanTimeout     time.Duration
	logger          *log.Logger
	mu              sync.RWMutex
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device
	state           BTDeviceState
	serviceUuidStrs []string

	// bleMu serializes characteristic operations; the adapter stacks do not
	// tolerate interleaved discovery and writes.
	bleMu                  sync.Mutex
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return b.localName
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.serviceUuidStrs...)
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) isRecentlyScanned(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult != nil && now.Sub(b.scanLastSeen) <= b.scanTimeout
}

// WaitForConnection polls until the adapter's connect handler has attached
// the device, or ctx ends.
func (b *btDeviceImpl) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection to %s: %w", b.GetAddressString(), ctx.Err())
		}
	}
}

func (b *btDeviceImpl) HasCharacteristic(serviceUuidStr string, characteristicUuidStr string) bool {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	_, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	return err == nil
}

func (b *btDeviceImpl) EnableNotifications(serviceUuidStr string, characteristicUuidStr string, callbackFunc func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("enable notifications on %s: %w", characteristicUuidStr, err)
	}
	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// a nil callback unsubscribes
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications on %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(serviceUuidStr string, characteristicUuidStr string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", characteristicUuidStr, err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) WriteCharacteristic(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, true)
}

func (b *btDeviceImpl) WriteCharacteristicWithoutResponse(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, false)
}

// writeCharacteristic MUST be called with bleMu held.
func (b *btDeviceImpl) writeCharacteristic(serviceUuidStr string, characteristicUuidStr string, data []byte, waitForResponse bool) error {
	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if waitForResponse {
		_, err = characteristic.Write(data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) setScanResult(result *bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = result
	b.scanLastSeen = seen
	if b.serviceUuidStrs == nil {
		for _, u := range result.ServiceUUIDs() {
			b.serviceUuidStrs = append(b.serviceUuidStrs, u.String())
		}
	}
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device, state BTDeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedDevice = device
	b.state = state
	if device == nil {
		// a reconnect must rediscover handles
		b.serviceByUuid.Clear()
		b.characteristicByUuid.Clear()
		b.serviceCharsDiscovered.Clear()
		b.allServicesDiscovered = false
	}
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

// lookupCharacteristic MUST be called with bleMu held.
func (b *btDeviceImpl) lookupCharacteristic(serviceUuidStr string, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

// getDeviceService MUST be called with bleMu held. All services are
// discovered in one pass; discovering one at a time interrupts services
// that are already in use on some stacks.
func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, errors.New("no connected device")
	}

	key := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(key); ok {
		return service, nil
	}

	if !b.allServicesDiscovered {
		b.logger.Printf("BTDevice: Discovering services on %s", b.GetAddressString())
		services, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	service, ok := b.serviceByUuid.Load(key)
	if !ok {
		return nil, fmt.Errorf("service %s not found on device", key)
	}
	return service, nil
}

// getDeviceCharacteristic MUST be called with bleMu held.
func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceKey := serviceUuid.String()
	comboKey := serviceKey + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(comboKey); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceKey); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics for %s: %w", serviceKey, err)
		}
		for i := range chars {
			c := &chars[i]
			b.characteristicByUuid.Store(serviceKey+"_"+c.UUID().String(), c)
		}
		b.serviceCharsDiscovered.Store(serviceKey, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", charUuid.String(), serviceKey)
	}
	return characteristic, nil
}
