package events

import (
	"sync"
)

// Stream is a typed outbound event stream. Listeners are either channels,
// which receive values without blocking the publisher, or callbacks, which
// run synchronously on the publishing goroutine.
type Stream[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	callbacks             map[uint64]func(T)
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             T
	hasNotified           bool
}

// NewStream creates a stream. When sendLastEventOnListen is set, a new
// listener immediately receives the most recent value, if any.
func NewStream[T any](sendLastEventOnListen bool) *Stream[T] {
	return &Stream[T]{
		channels:              make(map[uint64]chan<- T),
		callbacks:             make(map[uint64]func(T)),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a channel and returns its deregistration function.
// A full channel misses values rather than blocking Notify.
func (s *Stream[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.channels[id] = ch
	last, replay := s.lastEvent, s.sendLastEventOnListen && s.hasNotified
	s.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		s.mu.Lock()
		delete(s.channels, id)
		s.mu.Unlock()
	}
}

// ListenFunc registers a callback and returns its deregistration function.
func (s *Stream[T]) ListenFunc(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = callback
	last, replay := s.lastEvent, s.sendLastEventOnListen && s.hasNotified
	s.mu.Unlock()

	// outside the lock, the callback may call back into the stream
	if replay {
		callback(last)
	}

	return func() {
		s.mu.Lock()
		delete(s.callbacks, id)
		s.mu.Unlock()
	}
}

// Notify publishes value to every listener.
func (s *Stream[T]) Notify(value T) {
	s.mu.Lock()
	if s.sendLastEventOnListen {
		s.lastEvent = value
		s.hasNotified = true
	}
	channels := make([]chan<- T, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	callbacks := make([]func(T), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
	}
	for _, cb := range callbacks {
		cb(value)
	}
}

// Last returns the most recent value when the stream remembers it.
func (s *Stream[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent, s.hasNotified
}

// ListenerCount returns the number of registered channels and callbacks.
func (s *Stream[T]) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels) + len(s.callbacks)
}
