package ftms

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
)

func TestTicket_FinishesOnce(t *testing.T) {
	clk := clock.NewMock(testEpoch)
	tk := newTicket(OpSetTargetPower)
	tk.arm(clk.AfterFunc(4*time.Second, func() {}))
	assert.Equal(t, TicketAwaitingAck, tk.State())

	writeErr := &TransportWriteError{OpCode: OpSetTargetPower, Err: errors.New("gatt busy"), FallbackErr: errors.New("not permitted")}
	assert.True(t, tk.finish(TicketWriteFailed, writeErr))
	assert.False(t, tk.finish(TicketRejected, &DeviceRejectedError{OpCode: OpSetTargetPower, Result: ResultOperationFailed}))

	assert.Equal(t, TicketWriteFailed, tk.State())
	assert.Same(t, writeErr, tk.err)
	assert.Equal(t, 0, clk.PendingTimers())
	select {
	case <-tk.done:
	default:
		t.Fatal("finished ticket not done")
	}
}

func TestTicketState_String(t *testing.T) {
	assert.Equal(t, "Rejected", TicketRejected.String())
	assert.Equal(t, "WriteFailed", TicketWriteFailed.String())
	assert.NotEqual(t, TicketRejected.String(), TicketWriteFailed.String())
	assert.Equal(t, "Unknown", TicketState(99).String())
}
