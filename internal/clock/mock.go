package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Mock is a manually advanced clock on top of a clockwork fake clock.
// Timer callbacks run synchronously on the goroutine calling Advance, in
// deadline order and then in the order they were armed.
type Mock struct {
	fake *clockwork.FakeClock

	mu     sync.Mutex
	timers []*mockTimer
}

var _ Clock = (*Mock)(nil)

type mockTimer struct {
	clock *Mock
	when  time.Time
	inner clockwork.Timer
	fn    func()
}

// NewMock returns a mock clock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{fake: clockwork.NewFakeClockAt(start)}
}

func (m *Mock) Now() time.Time { return m.fake.Now() }

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, when: m.fake.Now().Add(max(d, 0)), fn: f}
	t.inner = m.fake.NewTimer(d)
	m.timers = append(m.timers, t)
	return t
}

func (m *Mock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	woke := make(chan struct{})
	t := m.AfterFunc(d, func() { close(woke) })
	select {
	case <-woke:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached. Timers armed by fired callbacks also fire if they fall
// within the advanced window.
func (m *Mock) Advance(d time.Duration) {
	target := m.fake.Now().Add(d)
	for {
		m.mu.Lock()
		next := m.popDueLocked(target)
		m.mu.Unlock()
		if next == nil {
			break
		}
		if step := next.when.Sub(m.fake.Now()); step > 0 {
			m.fake.Advance(step)
		}
		select {
		case <-next.inner.Chan():
			next.fn()
		default:
			// stopped between pop and expiry
		}
	}
	if rest := target.Sub(m.fake.Now()); rest > 0 {
		m.fake.Advance(rest)
	}
}

// PendingTimers returns the number of armed timers.
func (m *Mock) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits until at least n timers are armed or timeout passes in
// real time. Used to synchronize with goroutines that are about to sleep.
func (m *Mock) BlockUntil(n int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.fake.BlockUntilContext(ctx, n) == nil
}

// popDueLocked MUST be called with mu held.
func (m *Mock) popDueLocked(target time.Time) *mockTimer {
	idx := -1
	for i, t := range m.timers {
		if t.when.After(target) {
			continue
		}
		if idx == -1 || t.when.Before(m.timers[idx].when) {
			idx = i
		}
	}
	if idx == -1 {
		return nil
	}
	t := m.timers[idx]
	m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
	return t
}

// removeLocked MUST be called with mu held.
func (m *Mock) removeLocked(t *mockTimer) bool {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	armed := t.clock.removeLocked(t)
	return t.inner.Stop() || armed
}
