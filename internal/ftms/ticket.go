package ftms

import (
	"sync"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
)

type TicketState int

const (
	TicketIdle TicketState = iota
	TicketAwaitingAck
	TicketResolved
	TicketRejected
	TicketWriteFailed
	TicketTimedOut
	TicketSuperseded
	TicketCancelled
)

func (s TicketState) String() string {
	switch s {
	case TicketIdle:
		return "Idle"
	case TicketAwaitingAck:
		return "AwaitingAck"
	case TicketResolved:
		return "Resolved"
	case TicketRejected:
		return "Rejected"
	case TicketWriteFailed:
		return "WriteFailed"
	case TicketTimedOut:
		return "TimedOut"
	case TicketSuperseded:
		return "Superseded"
	case TicketCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ticket tracks one command awaiting its control point response. It
// reaches exactly one terminal state.
type ticket struct {
	op    OpCode
	mu    sync.Mutex
	state TicketState
	err   error
	timer clock.Timer
	done  chan struct{}
}

func newTicket(op OpCode) *ticket {
	return &ticket{op: op, state: TicketIdle, done: make(chan struct{})}
}

func (t *ticket) arm(timer clock.Timer) {
	t.mu.Lock()
	t.state = TicketAwaitingAck
	t.timer = timer
	t.mu.Unlock()
}

// finish moves the ticket to a terminal state. It reports false if the
// ticket had already finished.
func (t *ticket) finish(state TicketState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TicketAwaitingAck && t.state != TicketIdle {
		return false
	}
	t.state = state
	t.err = err
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	return true
}

func (t *ticket) State() TicketState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
