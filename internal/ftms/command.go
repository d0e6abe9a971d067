package ftms

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command is a control point request. Each variant owns its wire encoding.
type Command interface {
	OpCode() OpCode
	Encode() []byte
}

var (
	_ Command = RequestControl{}
	_ Command = SetTargetPower{}
	_ Command = SetSimulation{}
)

type RequestControl struct{}

func (RequestControl) OpCode() OpCode { return OpRequestControl }
func (RequestControl) Encode() []byte { return []byte{byte(OpRequestControl)} }

// SetTargetPower puts the trainer in ERG mode at Watts.
type SetTargetPower struct {
	Watts uint16
}

func (SetTargetPower) OpCode() OpCode { return OpSetTargetPower }

func (c SetTargetPower) Encode() []byte {
	buf := []byte{byte(OpSetTargetPower), 0, 0}
	binary.LittleEndian.PutUint16(buf[1:], c.Watts)
	return buf
}

// SetSimulation carries indoor bike simulation parameters in engineering
// units. Encode quantizes and saturates each field to its wire type.
type SetSimulation struct {
	WindMps  float64
	GradePct float64
	Crr      float64
	CdA      float64
}

func (SetSimulation) OpCode() OpCode { return OpSetIndoorBikeSimulation }

func (c SetSimulation) Encode() []byte {
	buf := make([]byte, 7)
	buf[0] = byte(OpSetIndoorBikeSimulation)
	binary.LittleEndian.PutUint16(buf[1:], uint16(saturateInt16(c.WindMps*100)))
	binary.LittleEndian.PutUint16(buf[3:], uint16(saturateInt16(c.GradePct*100)))
	buf[5] = saturateUint8(c.Crr * 10000)
	buf[6] = saturateUint8(c.CdA * 100)
	return buf
}

func saturateInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

func saturateUint8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r > math.MaxUint8 {
		return math.MaxUint8
	}
	if r < 0 {
		return 0
	}
	return uint8(r)
}

// DecodeCommand parses a control point request frame.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty control point frame")
	}
	switch OpCode(buf[0]) {
	case OpRequestControl:
		return RequestControl{}, nil
	case OpSetTargetPower:
		if len(buf) < 3 {
			return nil, fmt.Errorf("%s frame too short: %d bytes", OpSetTargetPower, len(buf))
		}
		return SetTargetPower{Watts: binary.LittleEndian.Uint16(buf[1:])}, nil
	case OpSetIndoorBikeSimulation:
		if len(buf) < 7 {
			return nil, fmt.Errorf("%s frame too short: %d bytes", OpSetIndoorBikeSimulation, len(buf))
		}
		return SetSimulation{
			WindMps:  float64(int16(binary.LittleEndian.Uint16(buf[1:]))) / 100,
			GradePct: float64(int16(binary.LittleEndian.Uint16(buf[3:]))) / 100,
			Crr:      float64(buf[5]) / 10000,
			CdA:      float64(buf[6]) / 100,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported op code 0x%02X", buf[0])
	}
}

// Response is a control point indication: [0x80, request op, result].
type Response struct {
	RequestOp OpCode
	Result    ResultCode
}

func (r Response) Encode() []byte {
	return []byte{byte(OpResponseCode), byte(r.RequestOp), byte(r.Result)}
}

// DecodeResponse reports false for frames that are not responses.
func DecodeResponse(buf []byte) (Response, bool) {
	if len(buf) < 3 || OpCode(buf[0]) != OpResponseCode {
		return Response{}, false
	}
	return Response{RequestOp: OpCode(buf[1]), Result: ResultCode(buf[2])}, true
}
