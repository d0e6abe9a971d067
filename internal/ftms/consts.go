package ftms

import (
	"fmt"
	"time"
)

// Fitness Machine Service and the vendor extension service.
const (
	ServiceUUIDFTMS            = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature        = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData     = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDTrainingStatus     = "00002ad3-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint   = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFitnessMachineStat = "00002ada-0000-1000-8000-00805f9b34fb"

	ServiceUUIDVendor      = "00000001-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDVendorRideData = "00000002-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDVendorControl  = "00000003-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDVendorSync     = "00000004-19ca-4651-86e5-fa29dcdd09d1"
)

const (
	DefaultAckTimeout     = 4 * time.Second
	DefaultConnectTimeout = 20 * time.Second

	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000

	DefaultCrr = 0.004
	DefaultCdA = 0.51
)

// CharacteristicMode is how the link uses a characteristic.
type CharacteristicMode int

const (
	ModeNotify CharacteristicMode = iota
	ModeIndicate
	ModeRead
	ModeWrite
)

// Characteristic describes one GATT characteristic the link knows about.
type Characteristic struct {
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
	Mode               CharacteristicMode
	Required           bool
}

var (
	CharFeature = Characteristic{
		Name: "Fitness Machine Feature", ServiceUUID: ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDFTMSFeature, Mode: ModeRead, Required: true,
	}
	CharIndoorBikeData = Characteristic{
		Name: "Indoor Bike Data", ServiceUUID: ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDIndoorBikeData, Mode: ModeNotify, Required: true,
	}
	CharControlPoint = Characteristic{
		Name: "Fitness Machine Control Point", ServiceUUID: ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDFTMSControlPoint, Mode: ModeIndicate, Required: true,
	}
	CharTrainingStatus = Characteristic{
		Name: "Training Status", ServiceUUID: ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDTrainingStatus, Mode: ModeNotify,
	}
	CharMachineStatus = Characteristic{
		Name: "Fitness Machine Status", ServiceUUID: ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDFitnessMachineStat, Mode: ModeNotify,
	}
)

// VendorCharacteristics are observed only; nothing is ever written to them.
var VendorCharacteristics = []Characteristic{
	{Name: "Vendor Ride Data", ServiceUUID: ServiceUUIDVendor, CharacteristicUUID: CharUUIDVendorRideData, Mode: ModeNotify},
	{Name: "Vendor Control", ServiceUUID: ServiceUUIDVendor, CharacteristicUUID: CharUUIDVendorControl, Mode: ModeWrite},
	{Name: "Vendor Sync", ServiceUUID: ServiceUUIDVendor, CharacteristicUUID: CharUUIDVendorSync, Mode: ModeIndicate},
}

// RequiredCharacteristics must all be present for a session to open.
var RequiredCharacteristics = []Characteristic{CharFeature, CharIndoorBikeData, CharControlPoint}

// OpCode is a Fitness Machine Control Point op code.
type OpCode byte

const (
	OpRequestControl          OpCode = 0x00
	OpReset                   OpCode = 0x01
	OpSetTargetResistance     OpCode = 0x04
	OpSetTargetPower          OpCode = 0x05
	OpStartOrResume           OpCode = 0x07
	OpStopOrPause             OpCode = 0x08
	OpSetIndoorBikeSimulation OpCode = 0x11
	OpResponseCode            OpCode = 0x80
)

func (o OpCode) String() string {
	switch o {
	case OpRequestControl:
		return "Request Control"
	case OpReset:
		return "Reset"
	case OpSetTargetResistance:
		return "Set Target Resistance"
	case OpSetTargetPower:
		return "Set Target Power"
	case OpStartOrResume:
		return "Start/Resume"
	case OpStopOrPause:
		return "Stop/Pause"
	case OpSetIndoorBikeSimulation:
		return "Set Indoor Bike Simulation"
	case OpResponseCode:
		return "Response Code"
	default:
		return fmt.Sprintf("OpCode 0x%02X", byte(o))
	}
}

// ResultCode is the third byte of a control point response.
type ResultCode byte

const (
	ResultSuccess             ResultCode = 0x01
	ResultOpCodeNotSupported  ResultCode = 0x02
	ResultInvalidParameter    ResultCode = 0x03
	ResultOperationFailed     ResultCode = 0x04
	ResultControlNotPermitted ResultCode = 0x05
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", byte(r))
	}
}
