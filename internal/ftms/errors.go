package ftms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSuperseded fails a command whose acknowledgement was still pending
	// when a newer command was issued.
	ErrSuperseded = errors.New("ftms: command superseded by a newer command")
	// ErrCancelled fails a pending command when the session closes or the
	// caller's context ends.
	ErrCancelled    = errors.New("ftms: command cancelled")
	ErrNotConnected = errors.New("ftms: not connected")
)

// ConnectionError reports a device that lacks required characteristics or
// could not be brought up.
type ConnectionError struct {
	Address string
	Missing []string
	Err     error
}

func (e *ConnectionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("ftms: device %s missing required characteristics: %s", e.Address, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("ftms: connecting to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type CommandTimeoutError struct {
	OpCode  OpCode
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("ftms: no acknowledgement for %s within %v", e.OpCode, e.Timeout)
}

type DeviceRejectedError struct {
	OpCode OpCode
	Result ResultCode
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("ftms: %s rejected: %s (0x%02X)", e.OpCode, e.Result, byte(e.Result))
}

// TransportWriteError reports that both the acknowledged write and the
// unacknowledged fallback failed.
type TransportWriteError struct {
	OpCode      OpCode
	Err         error
	FallbackErr error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("ftms: writing %s failed: %v (fallback: %v)", e.OpCode, e.Err, e.FallbackErr)
}

func (e *TransportWriteError) Unwrap() error { return e.FallbackErr }

type ValidationError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ftms: %s %v out of range [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}
