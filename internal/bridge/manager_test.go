package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edustream/voicebridge/internal/inference"
	"github.com/edustream/voicebridge/internal/protocol"
	"github.com/edustream/voicebridge/internal/registry"
)

// startRealSession brings a session up in real mode on connection c1 by
// emitting the first inference response.
func startRealSession(t *testing.T) (*Manager, *fakeSender, *registry.MemoryStore, *inference.MockStream, string) {
	t.Helper()
	stream := inference.NewMockStream()
	m, sender, store := newTestManager(t, &fakeStarter{stream: stream})
	ctx := context.Background()

	if err := m.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sid, err := m.Initialize(ctx, "c1", initMessage())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	stream.Emit(inference.TextOutput{Text: "ready"})
	waitFor(t, 2*time.Second, "real-mode session_initialized", func() bool {
		return sender.countType("c1", protocol.TypeSessionInitialized) == 1
	})

	for _, msg := range sender.messages("c1") {
		if init, ok := msg.(protocol.SessionInitialized); ok {
			if init.Mode != protocol.ModeReal {
				t.Fatalf("mode = %s, want real", init.Mode)
			}
			if init.SessionID != sid {
				t.Fatalf("session id = %s, want %s", init.SessionID, sid)
			}
		}
	}
	return m, sender, store, stream, sid
}

func startFallbackSession(t *testing.T) (*Manager, *fakeSender, *registry.MemoryStore, string) {
	t.Helper()
	m, sender, store := newTestManager(t, &fakeStarter{err: errors.New("inference unreachable")})
	ctx := context.Background()

	if err := m.Connect(ctx, "c1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sid, err := m.Initialize(ctx, "c1", initMessage())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	waitFor(t, 2*time.Second, "fallback session_initialized", func() bool {
		return sender.countType("c1", protocol.TypeSessionInitialized) == 1
	})

	init := sender.messages("c1")[0].(protocol.SessionInitialized)
	if init.Mode != protocol.ModeFallback {
		t.Fatalf("mode = %s, want fallback", init.Mode)
	}
	return m, sender, store, sid
}

func TestInitializeRealModeAfterFirstResponse(t *testing.T) {
	m, sender, store, _, sid := startRealSession(t)

	// The triggering response itself is forwarded after the init reply.
	waitFor(t, 2*time.Second, "forwarded text_response", func() bool {
		return sender.countType("c1", protocol.TypeTextResponse) == 1
	})

	sess, err := store.GetSession(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !sess.IsActive {
		t.Fatal("durable record should be active")
	}
	if h := m.handle(sid); h == nil || h.currentState() != stateRealActive {
		t.Fatal("warm handle should be in real-active state")
	}
}

func TestInitializeFallsBackWhenDialFails(t *testing.T) {
	m, _, store, sid := startFallbackSession(t)

	sess, err := store.GetSession(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !sess.IsActive {
		t.Fatal("fallback sessions stay active in the registry")
	}
	if h := m.handle(sid); h == nil || h.currentState() != stateFallbackActive {
		t.Fatal("warm handle should be in fallback state")
	}
}

func TestInitializeFallsBackOnDeadline(t *testing.T) {
	// Stream dials fine but never produces a response.
	stream := inference.NewMockStream()
	m, sender, _ := newTestManager(t, &fakeStarter{stream: stream})
	ctx := context.Background()

	_ = m.Connect(ctx, "c1")
	if _, err := m.Initialize(ctx, "c1", initMessage()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	waitFor(t, 2*time.Second, "deadline fallback", func() bool {
		return sender.countType("c1", protocol.TypeSessionInitialized) == 1
	})
	init := sender.messages("c1")[0].(protocol.SessionInitialized)
	if init.Mode != protocol.ModeFallback {
		t.Fatalf("mode = %s, want fallback after deadline", init.Mode)
	}

	// Give the race loser time to misbehave, then recheck exactly-once.
	time.Sleep(50 * time.Millisecond)
	if got := sender.countType("c1", protocol.TypeSessionInitialized); got != 1 {
		t.Fatalf("session_initialized sent %d times, want exactly 1", got)
	}
}

func TestAudioReachesStreamInFIFOOrder(t *testing.T) {
	m, _, _, stream, sid := startRealSession(t)
	ctx := context.Background()

	chunks := []protocol.AudioInput{
		{Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "AAAA"},
		{Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "BBBB", IsEndOfUtterance: true},
	}
	for _, c := range chunks {
		if err := m.SendAudio(ctx, "c1", c); err != nil {
			t.Fatalf("SendAudio() error = %v", err)
		}
	}

	// SessionStart, PromptStart, then per chunk ContentStart+AudioInput, then
	// AudioInputEnd for the final chunk.
	wantOrder := []string{
		"sessionStart", "promptStart",
		"contentStart", "audioInput",
		"contentStart", "audioInput",
		"audioInputEnd",
	}
	waitFor(t, 2*time.Second, "events pumped to stream", func() bool {
		return len(stream.Sent()) == len(wantOrder)
	})
	for i, ev := range stream.Sent() {
		if got := eventTypeName(ev); got != wantOrder[i] {
			t.Fatalf("stream event[%d] = %s, want %s", i, got, wantOrder[i])
		}
	}

	sent := stream.Sent()
	if a := sent[3].(inference.AudioInput); a.AudioBase64 != "AAAA" {
		t.Fatalf("first chunk payload = %q, want AAAA", a.AudioBase64)
	}
	if a := sent[5].(inference.AudioInput); a.AudioBase64 != "BBBB" {
		t.Fatalf("second chunk payload = %q, want BBBB", a.AudioBase64)
	}
}

func TestSendAudioValidation(t *testing.T) {
	m, _, store, _, sid := startRealSession(t)
	ctx := context.Background()

	err := m.SendAudio(ctx, "c1", protocol.AudioInput{Type: protocol.TypeAudioInput, SessionID: sid})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("empty audio error = %v, want ErrEmptyAudio", err)
	}

	err = m.SendAudio(ctx, "c1", protocol.AudioInput{Type: protocol.TypeAudioInput, SessionID: "nope", AudioData: "AAAA"})
	if !errors.Is(err, registry.ErrSessionNotFound) {
		t.Fatalf("unknown session error = %v, want ErrSessionNotFound", err)
	}

	// Active durable record with no warm handle: another process owned it.
	cold := registry.Session{
		ID:           "cold",
		ConnectionID: "c1",
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	if err := store.CreateSession(ctx, cold); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	err = m.SendAudio(ctx, "c1", protocol.AudioInput{Type: protocol.TypeAudioInput, SessionID: "cold", AudioData: "AAAA"})
	if !errors.Is(err, ErrSessionNotWarm) {
		t.Fatalf("cold session error = %v, want ErrSessionNotWarm", err)
	}
}

func TestFallbackTurnPlaysScriptedSequence(t *testing.T) {
	m, sender, _, sid := startFallbackSession(t)
	ctx := context.Background()

	err := m.SendAudio(ctx, "c1", protocol.AudioInput{
		Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "AAAA", IsEndOfUtterance: true,
	})
	if err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	waitFor(t, 2*time.Second, "fallback turn completion", func() bool {
		return sender.countType("c1", protocol.TypeInferenceComplete) == 1
	})

	want := []protocol.MessageType{
		protocol.TypeSessionInitialized,
		protocol.TypeTranscription,
		protocol.TypeTextResponse,
		protocol.TypeAudioResponse,
		protocol.TypeInferenceComplete,
	}
	got := sender.typesFor("c1")
	if len(got) != len(want) {
		t.Fatalf("got %d messages %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, msg := range sender.messages("c1") {
		if a, ok := msg.(protocol.AudioResponse); ok && a.AudioBase64 == "" {
			t.Fatal("fallback audio payload should not be empty")
		}
	}
}

func TestFallbackDiscardsPartialChunks(t *testing.T) {
	m, sender, _, sid := startFallbackSession(t)
	ctx := context.Background()

	err := m.SendAudio(ctx, "c1", protocol.AudioInput{
		Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "AAAA",
	})
	if err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := len(sender.messages("c1")); got != 1 {
		t.Fatalf("got %d messages after partial chunk, want only session_initialized", got)
	}
}

func TestEndSessionTearsDownWarmState(t *testing.T) {
	m, sender, store, stream, sid := startRealSession(t)
	ctx := context.Background()

	if err := m.EndSession(ctx, "c1", sid); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	if got := sender.countType("c1", protocol.TypeSessionEnded); got != 1 {
		t.Fatalf("session_ended sent %d times, want exactly 1", got)
	}
	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Fatal("durable record should be inactive after end")
	}
	if m.handle(sid) != nil {
		t.Fatal("warm handle should be evicted")
	}

	// The generator flushes SessionEnd to the service and closes its side.
	waitFor(t, 2*time.Second, "stream write side closed", func() bool {
		return stream.SendDone()
	})
	sent := stream.Sent()
	if len(sent) == 0 {
		t.Fatal("no events reached the stream")
	}
	if _, ok := sent[len(sent)-1].(inference.SessionEnd); !ok {
		t.Fatalf("last stream event = %T, want SessionEnd", sent[len(sent)-1])
	}

	// A second end finds the record inactive.
	if err := m.EndSession(ctx, "c1", sid); !errors.Is(err, registry.ErrSessionExpired) {
		t.Fatalf("second EndSession() error = %v, want ErrSessionExpired", err)
	}
	if got := sender.countType("c1", protocol.TypeSessionEnded); got != 1 {
		t.Fatalf("session_ended count after retry = %d, want still 1", got)
	}
}

func TestEndSessionColdStillDeactivatesRecord(t *testing.T) {
	m, sender, store := newTestManager(t, &fakeStarter{stream: inference.NewMockStream()})
	ctx := context.Background()

	sess := registry.Session{
		ID:           "cold",
		ConnectionID: "c1",
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := m.EndSession(ctx, "c1", "cold"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	got, err := store.GetSession(ctx, "cold")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.IsActive {
		t.Fatal("record should be inactive")
	}
	if sender.countType("c1", protocol.TypeSessionEnded) != 1 {
		t.Fatal("client should still get session_ended")
	}
}

func TestReconnectTransfersOwnership(t *testing.T) {
	m, sender, store, stream, sid := startRealSession(t)
	ctx := context.Background()

	if err := m.Connect(ctx, "c2"); err != nil {
		t.Fatalf("Connect(c2) error = %v", err)
	}
	err := m.SendAudio(ctx, "c2", protocol.AudioInput{
		Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "AAAA",
	})
	if err != nil {
		t.Fatalf("SendAudio from new connection error = %v", err)
	}

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.ConnectionID != "c2" {
		t.Fatalf("owner = %s, want c2", sess.ConnectionID)
	}

	before := len(sender.messages("c1"))
	stream.Emit(inference.TextOutput{Text: "after reconnect"})
	waitFor(t, 2*time.Second, "response routed to new connection", func() bool {
		return sender.countType("c2", protocol.TypeTextResponse) == 1
	})
	if got := len(sender.messages("c1")); got != before {
		t.Fatalf("old connection received %d new messages, want 0", got-before)
	}
}

func TestDisconnectEndsOwnedSessions(t *testing.T) {
	m, sender, store, sid := startFallbackSession(t)
	ctx := context.Background()

	m.Disconnect(ctx, "c1")

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Fatal("owned session should be deactivated on disconnect")
	}
	if m.handle(sid) != nil {
		t.Fatal("warm handle should be evicted")
	}
	// No point notifying a connection that just closed.
	if got := sender.countType("c1", protocol.TypeSessionEnded); got != 0 {
		t.Fatalf("session_ended sent %d times to a closed connection, want 0", got)
	}
}

func TestDisconnectSparesTransferredSessions(t *testing.T) {
	m, _, store, _, sid := startRealSession(t)
	ctx := context.Background()

	// Ownership already moved in the registry, but the warm handle has not
	// seen traffic from the new connection yet.
	if err := store.TransferSession(ctx, sid, "c2"); err != nil {
		t.Fatalf("TransferSession() error = %v", err)
	}

	m.Disconnect(ctx, "c1")

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !sess.IsActive {
		t.Fatal("transferred session must survive the old connection closing")
	}
	if m.handle(sid) == nil {
		t.Fatal("warm handle must survive too")
	}
}

func TestMidStreamCloseContinuesInFallback(t *testing.T) {
	m, sender, store, stream, sid := startRealSession(t)
	ctx := context.Background()

	_ = stream.Close()
	waitFor(t, 2*time.Second, "fallback takeover", func() bool {
		h := m.handle(sid)
		return h != nil && h.currentState() == stateFallbackActive
	})

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !sess.IsActive {
		t.Fatal("session should stay active across the stream loss")
	}

	err = m.SendAudio(ctx, "c1", protocol.AudioInput{
		Type: protocol.TypeAudioInput, SessionID: sid, AudioData: "AAAA", IsEndOfUtterance: true,
	})
	if err != nil {
		t.Fatalf("SendAudio() in fallback error = %v", err)
	}
	waitFor(t, 2*time.Second, "fallback turn after stream loss", func() bool {
		return sender.countType("c1", protocol.TypeInferenceComplete) == 1
	})
}

func TestShutdownEndsAllWarmSessions(t *testing.T) {
	m, sender, store, _, sid := startRealSession(t)
	ctx := context.Background()

	m.Shutdown(ctx)

	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.IsActive {
		t.Fatal("sessions must not be left active after shutdown")
	}
	if got := sender.countType("c1", protocol.TypeSessionEnded); got != 1 {
		t.Fatalf("session_ended sent %d times, want 1", got)
	}
	if m.handle(sid) != nil {
		t.Fatal("no warm handles should remain")
	}
}

func TestFallbackInitToGoneClientTearsDown(t *testing.T) {
	m, sender, store := newTestManager(t, &fakeStarter{err: errors.New("unreachable")})
	ctx := context.Background()

	_ = m.Connect(ctx, "c1")
	sender.markGone("c1")

	sid, err := m.Initialize(ctx, "c1", initMessage())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// The client never learned the session exists, so no active record may
	// survive.
	waitFor(t, 2*time.Second, "orphan cleanup", func() bool {
		sess, err := store.GetSession(ctx, sid)
		if err != nil {
			return false
		}
		return !sess.IsActive
	})
	if m.handle(sid) != nil {
		t.Fatal("warm handle should be gone")
	}
}

func TestInitializeRejectsDuplicateSessionID(t *testing.T) {
	stream := inference.NewMockStream()
	starter := &fakeStarter{stream: stream}
	m, sender, store := newTestManager(t, starter)
	ctx := context.Background()

	_ = m.Connect(ctx, "c1")
	msg := initMessage()
	msg.SessionID = "dup"
	if _, err := m.Initialize(ctx, "c1", msg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	stream.Emit(inference.TextOutput{Text: "ready"})
	waitFor(t, 2*time.Second, "first session_initialized", func() bool {
		return sender.countType("c1", protocol.TypeSessionInitialized) == 1
	})

	// A repeat initialize for a live session must not displace the warm
	// handle or its stream.
	if _, err := m.Initialize(ctx, "c1", msg); !errors.Is(err, registry.ErrSessionExists) {
		t.Fatalf("duplicate Initialize() error = %v, want ErrSessionExists", err)
	}
	if got := starter.startedCount(); got != 1 {
		t.Fatalf("streams started = %d, want 1", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := sender.countType("c1", protocol.TypeSessionInitialized); got != 1 {
		t.Fatalf("session_initialized sent %d times, want exactly 1", got)
	}

	// The original session keeps working end to end.
	stream.Emit(inference.TextOutput{Text: "still live"})
	waitFor(t, 2*time.Second, "response on original stream", func() bool {
		return sender.countType("c1", protocol.TypeTextResponse) == 2
	})

	sess, err := store.GetSession(ctx, "dup")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !sess.IsActive || sess.ConnectionID != "c1" {
		t.Fatalf("record mutated by rejected initialize: %+v", sess)
	}
}

func TestInitializeRejectsActiveRecordWithoutWarmHandle(t *testing.T) {
	m, _, store := newTestManager(t, &fakeStarter{stream: inference.NewMockStream()})
	ctx := context.Background()

	// Another process owns this id; only the durable record is visible here.
	cold := registry.Session{
		ID:           "held",
		ConnectionID: "other-conn",
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}
	if err := store.CreateSession(ctx, cold); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_ = m.Connect(ctx, "c1")
	msg := initMessage()
	msg.SessionID = "held"
	if _, err := m.Initialize(ctx, "c1", msg); !errors.Is(err, registry.ErrSessionExists) {
		t.Fatalf("Initialize() error = %v, want ErrSessionExists", err)
	}
	if m.handle("held") != nil {
		t.Fatal("no warm handle may be registered for a rejected initialize")
	}
}
