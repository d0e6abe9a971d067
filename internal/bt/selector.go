package bt

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Selector picks a trainer out of scan results. Empty fields match anything.
type Selector struct {
	Address     string
	NamePrefix  string
	ServiceUUID string
}

func (s Selector) Matches(d BTDevice) bool {
	if s.Address != "" && !strings.EqualFold(s.Address, d.GetAddressString()) {
		return false
	}
	if s.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(d.GetLocalName()), strings.ToLower(s.NamePrefix)) {
		return false
	}
	if s.ServiceUUID != "" && !d.HasServiceUUID(s.ServiceUUID) {
		return false
	}
	return true
}

func (s Selector) String() string {
	parts := make([]string, 0, 3)
	if s.Address != "" {
		parts = append(parts, "address="+s.Address)
	}
	if s.NamePrefix != "" {
		parts = append(parts, "name^="+s.NamePrefix)
	}
	if s.ServiceUUID != "" {
		parts = append(parts, "service="+s.ServiceUUID)
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, ",")
}

// ChooseDevice returns the matching device with the strongest signal, or
// nil when nothing matches.
func ChooseDevice(devices []BTDevice, s Selector) BTDevice {
	matches := make([]BTDevice, 0, len(devices))
	for _, d := range devices {
		if s.Matches(d) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		ri, erri := matches[i].GetScanRSSI()
		rj, errj := matches[j].GetScanRSSI()
		if erri != nil {
			return false
		}
		if errj != nil {
			return true
		}
		return ri > rj
	})
	return matches[0]
}

// FindDevice resolves s to a device, scanning until a match appears or ctx
// ends. A device the manager already knows is returned without scanning.
func FindDevice(ctx context.Context, manager BTManagerInterface, s Selector) (BTDevice, error) {
	if s.Address != "" {
		if d := manager.GetBTDeviceByAddressString(s.Address); d != nil && s.Matches(d) {
			return d, nil
		}
	}
	if d := ChooseDevice(manager.GetScanDevices(), s); d != nil {
		return d, nil
	}

	var filter []string
	if s.ServiceUUID != "" {
		filter = []string{s.ServiceUUID}
	}
	updates := make(chan []BTDevice, 4)
	unregister := manager.ListenToDeviceList(updates)
	defer unregister()

	manager.StartScan(filter)
	defer func() { _ = manager.StopScan() }()

	for {
		select {
		case devices := <-updates:
			if d := ChooseDevice(devices, s); d != nil {
				return d, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("no device matching %s: %w", s, ctx.Err())
		}
	}
}
