package inference

import (
	"context"
	"sync"
)

// MockStream is an in-process Stream for tests. Sent events are recorded in
// order; response events are emitted with Emit.
type MockStream struct {
	mu       sync.Mutex
	sent     []Event
	events   chan ResponseEvent
	sendDone bool
	closed   bool
}

func NewMockStream() *MockStream {
	return &MockStream{events: make(chan ResponseEvent, 64)}
}

func (s *MockStream) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return ErrStreamClosed
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *MockStream) Events() <-chan ResponseEvent { return s.events }

func (s *MockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDone = true
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Emit queues a response event as if the service produced it.
func (s *MockStream) Emit(ev ResponseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Sent returns a copy of everything written to the stream so far.
func (s *MockStream) Sent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.sent))
	copy(out, s.sent)
	return out
}

// SendDone reports whether the write side was closed.
func (s *MockStream) SendDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendDone
}
