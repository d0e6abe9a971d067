package ftms

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Sample is one Indoor Bike Data notification. Fields the frame was too
// short to carry are flagged absent and left zero.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Flags      uint16    `json:"flags"`
	SpeedKph   float64   `json:"speedKph"`
	HasSpeed   bool      `json:"hasSpeed"`
	CadenceRpm float64   `json:"cadenceRpm"`
	HasCadence bool      `json:"hasCadence"`
	PowerW     int       `json:"powerW"`
	HasPower   bool      `json:"hasPower"`
}

// DecodeIndoorBikeData reads the flags word followed by speed (0.01 km/h),
// cadence (0.5 rpm) and power (1 W) for as many fields as the frame holds.
// Trainers in the supported family always send these three leading fields,
// so the flags word is reported but not used to locate them.
func DecodeIndoorBikeData(buf []byte) (Sample, error) {
	if len(buf) < 2 {
		return Sample{}, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	s := Sample{Flags: binary.LittleEndian.Uint16(buf)}
	off := 2
	if len(buf) >= off+2 {
		s.SpeedKph = float64(binary.LittleEndian.Uint16(buf[off:])) / 100
		s.HasSpeed = true
		off += 2
	}
	if len(buf) >= off+2 {
		s.CadenceRpm = float64(binary.LittleEndian.Uint16(buf[off:])) / 2
		s.HasCadence = true
		off += 2
	}
	if len(buf) >= off+2 {
		s.PowerW = int(int16(binary.LittleEndian.Uint16(buf[off:])))
		s.HasPower = true
	}
	return s, nil
}

// EncodeIndoorBikeData builds the frame DecodeIndoorBikeData reads, with
// the cadence and power present flags set.
func EncodeIndoorBikeData(speedKph float64, cadenceRpm float64, powerW int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf, 0x0044)
	binary.LittleEndian.PutUint16(buf[2:], saturateUint16(speedKph*100))
	binary.LittleEndian.PutUint16(buf[4:], saturateUint16(cadenceRpm*2))
	binary.LittleEndian.PutUint16(buf[6:], uint16(saturateInt16(float64(powerW))))
	return buf
}

func saturateUint16(v float64) uint16 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(math.Round(v))
}

// Features is the Fitness Machine Feature characteristic.
type Features struct {
	Machine       uint32
	TargetSetting uint32
}

const (
	targetSettingPower      = 1 << 3
	targetSettingSimulation = 1 << 13
)

func ParseFeatures(buf []byte) (Features, error) {
	if len(buf) < 8 {
		return Features{}, fmt.Errorf("feature data too short: %d bytes", len(buf))
	}
	return Features{
		Machine:       binary.LittleEndian.Uint32(buf),
		TargetSetting: binary.LittleEndian.Uint32(buf[4:]),
	}, nil
}

func (f Features) SupportsPowerTarget() bool {
	return f.TargetSetting&targetSettingPower != 0
}

func (f Features) SupportsSimulation() bool {
	return f.TargetSetting&targetSettingSimulation != 0
}
