package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/inference"
	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/protocol"
	"github.com/edustream/voicebridge/internal/registry"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = observability.NewMetrics("bridge_test")

var testLogger = zap.NewNop()

// fakeSender records pushed messages per connection and can simulate gone
// connections.
type fakeSender struct {
	mu   sync.Mutex
	msgs map[string][]any
	gone map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{msgs: make(map[string][]any), gone: make(map[string]bool)}
}

func (s *fakeSender) Send(_ context.Context, connectionID string, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[connectionID] {
		return ErrConnectionGone
	}
	s.msgs[connectionID] = append(s.msgs[connectionID], msg)
	return nil
}

func (s *fakeSender) markGone(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone[connectionID] = true
}

func (s *fakeSender) messages(connectionID string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.msgs[connectionID]))
	copy(out, s.msgs[connectionID])
	return out
}

func (s *fakeSender) typesFor(connectionID string) []protocol.MessageType {
	var types []protocol.MessageType
	for _, msg := range s.messages(connectionID) {
		switch m := msg.(type) {
		case protocol.SessionInitialized:
			types = append(types, m.Type)
		case protocol.Transcription:
			types = append(types, m.Type)
		case protocol.TextResponse:
			types = append(types, m.Type)
		case protocol.AudioResponse:
			types = append(types, m.Type)
		case protocol.ToolUse:
			types = append(types, m.Type)
		case protocol.InferenceComplete:
			types = append(types, m.Type)
		case protocol.SessionEnded:
			types = append(types, m.Type)
		case protocol.ErrorMessage:
			types = append(types, m.Type)
		case protocol.Pong:
			types = append(types, m.Type)
		case protocol.DebugEvent:
			types = append(types, m.Type)
		}
	}
	return types
}

func (s *fakeSender) countType(connectionID string, t protocol.MessageType) int {
	n := 0
	for _, got := range s.typesFor(connectionID) {
		if got == t {
			n++
		}
	}
	return n
}

// fakeStarter hands out a prepared stream, or fails.
type fakeStarter struct {
	mu      sync.Mutex
	stream  *inference.MockStream
	err     error
	started int
}

func (f *fakeStarter) StartStream(_ context.Context, _ string) (inference.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeStarter) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, starter InferenceStarter) (*Manager, *fakeSender, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	sender := newFakeSender()
	m := NewManager(ManagerConfig{
		InitTimeout:       250 * time.Millisecond,
		FallbackStepDelay: time.Millisecond,
		QueueCapacity:     64,
		SessionTTL:        time.Hour,
		ConnectionTTL:     time.Hour,
		ModelID:           "speech-duplex-1",
		DefaultVoiceID:    "matthew",
	}, store, starter, sender, testMetrics, testLogger)
	return m, sender, store
}

func initMessage() protocol.InitializeSession {
	return protocol.InitializeSession{
		Type:      protocol.TypeInitializeSession,
		AuthToken: "tok",
		CourseID:  "101",
		StudentID: "s1",
	}
}
