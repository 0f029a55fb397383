package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/inference"
	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/protocol"
	"github.com/edustream/voicebridge/internal/registry"
)

type sessionState int

const (
	stateInitializing sessionState = iota
	stateRealActive
	stateFallbackActive
	stateEnded
)

// handle is the warm, process-local view of one session. It is never
// authoritative: the durable registry decides whether a session exists and
// who owns it.
type handle struct {
	sessionID string

	mu           sync.Mutex
	connectionID string
	state        sessionState
	endedSent    bool
	contentSeq   int

	// turnMu serializes scripted fallback turns so their step ordering is
	// never interleaved.
	turnMu sync.Mutex

	queue       *EventQueue
	cancel      context.CancelFunc
	promptID    string
	initStarted time.Time
}

func (h *handle) owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectionID
}

func (h *handle) setOwner(connectionID string) {
	h.mu.Lock()
	h.connectionID = connectionID
	h.mu.Unlock()
}

func (h *handle) currentState() sessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// InferenceStarter opens one bidirectional inference stream.
type InferenceStarter interface {
	StartStream(ctx context.Context, authToken string) (inference.Stream, error)
}

type ManagerConfig struct {
	InitTimeout       time.Duration
	FallbackStepDelay time.Duration
	QueueCapacity     int
	SessionTTL        time.Duration
	ConnectionTTL     time.Duration
	ModelID           string
	DefaultVoiceID    string
}

// Manager owns session lifecycles: initialization with its timeout race,
// audio ingestion, response dispatch and teardown.
type Manager struct {
	cfg     ManagerConfig
	store   registry.Store
	client  InferenceStarter
	sender  ClientSender
	metrics *observability.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func NewManager(cfg ManagerConfig, store registry.Store, client InferenceStarter, sender ClientSender, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 12 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 2 * time.Hour
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		client:  client,
		sender:  sender,
		metrics: metrics,
		log:     log,
		handles: make(map[string]*handle),
	}
}

// Connect records a new transport connection.
func (m *Manager) Connect(ctx context.Context, connectionID string) error {
	now := time.Now().UTC()
	return m.store.PutConnection(ctx, registry.Connection{
		ID:          connectionID,
		ConnectedAt: now,
		ExpiresAt:   now.Add(m.cfg.ConnectionTTL),
	})
}

// Initialize creates the durable session record and starts the real-mode
// attempt racing the initialization deadline. The session_initialized reply
// is sent asynchronously by whichever side of the race wins.
func (m *Manager) Initialize(ctx context.Context, connectionID string, msg protocol.InitializeSession) (string, error) {
	sessionID := strings.TrimSpace(msg.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// A live warm handle must never be displaced: its generator and
	// dispatcher own the inference stream for that id.
	if existing := m.handle(sessionID); existing != nil && existing.currentState() != stateEnded {
		return "", registry.ErrSessionExists
	}

	now := time.Now().UTC()
	sess := registry.Session{
		ID:           sessionID,
		ConnectionID: connectionID,
		CourseID:     msg.CourseID,
		StudentID:    msg.StudentID,
		IsActive:     true,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session record: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		sessionID:    sessionID,
		connectionID: connectionID,
		state:        stateInitializing,
		queue:        NewEventQueue(m.cfg.QueueCapacity),
		cancel:       cancel,
		promptID:     uuid.NewString(),
		initStarted:  now,
	}
	m.mu.Lock()
	m.handles[sessionID] = h
	m.mu.Unlock()
	m.metrics.ActiveSessions.Set(float64(m.warmCount()))
	m.metrics.SessionEvents.WithLabelValues("created").Inc()

	// Bootstrap goes through the same queue as audio so the generator stays
	// the only writer and total ordering holds, even for audio that arrives
	// while the real attempt is still dialing.
	infCfg := inference.SessionConfig{
		ModelID:   m.cfg.ModelID,
		CourseID:  msg.CourseID,
		StudentID: msg.StudentID,
		VoiceID:   m.cfg.DefaultVoiceID,
	}
	if vc := msg.VoiceConfig; vc != nil {
		infCfg.MaxTokens = vc.MaxTokens
		infCfg.Temperature = vc.Temperature
		infCfg.TopP = vc.TopP
		if strings.TrimSpace(vc.VoiceID) != "" {
			infCfg.VoiceID = vc.VoiceID
		}
	}
	if err := h.queue.Enqueue(ctx, inference.SessionStart{Config: infCfg}); err != nil {
		_ = m.teardownHandle(ctx, h, false)
		return "", fmt.Errorf("queue session start: %w", err)
	}
	if err := h.queue.Enqueue(ctx, inference.PromptStart{PromptID: h.promptID}); err != nil {
		_ = m.teardownHandle(ctx, h, false)
		return "", fmt.Errorf("queue prompt start: %w", err)
	}

	go m.initialize(sessCtx, h, msg.AuthToken)
	return sessionID, nil
}

func (m *Manager) initialize(sessCtx context.Context, h *handle, authToken string) {
	initCtx, cancel := context.WithTimeout(sessCtx, m.cfg.InitTimeout)
	defer cancel()

	stream, err := m.client.StartStream(initCtx, authToken)
	if err != nil {
		m.metrics.InferenceErrors.WithLabelValues("dial").Inc()
		m.log.Warn("real-mode start failed, degrading to fallback",
			zap.String("session_id", h.sessionID), zap.Error(err))
		m.activateFallback(h, "dial_failed")
		return
	}

	go func() {
		if err := Pump(sessCtx, h.queue, stream); err != nil {
			m.metrics.InferenceErrors.WithLabelValues("send").Inc()
			m.log.Warn("duplex generator stopped",
				zap.String("session_id", h.sessionID), zap.Error(err))
			// Unblock the read side so the dispatcher notices.
			_ = stream.Close()
		}
	}()

	firstCh := make(chan struct{}, 1)
	d := &Dispatcher{
		SessionID:    h.sessionID,
		Sender:       m.sender,
		ConnectionID: h.owner,
		OnFirstResponse: func() {
			m.completeRealInit(h)
			select {
			case firstCh <- struct{}{}:
			default:
			}
		},
		OnStaleConnection: m.cleanupStaleConnection,
		Log:               m.log,
	}
	go func() {
		d.Run(sessCtx, stream.Events())
		_ = stream.Close()
		m.onStreamClosed(h)
	}()

	select {
	case <-firstCh:
	case <-initCtx.Done():
		if sessCtx.Err() != nil {
			// Session was torn down while initializing.
			_ = stream.Close()
			return
		}
		m.log.Warn("no first inference response within deadline",
			zap.String("session_id", h.sessionID), zap.Duration("deadline", m.cfg.InitTimeout))
		if m.activateFallback(h, "init_timeout") {
			_ = stream.Close()
		}
	}
}

// completeRealInit moves INITIALIZING to REAL_ACTIVE. Only the first
// observed inference event gets here, which is the liveness proof required
// before telling the client the session is ready.
func (m *Manager) completeRealInit(h *handle) {
	h.mu.Lock()
	if h.state != stateInitializing {
		h.mu.Unlock()
		return
	}
	h.state = stateRealActive
	connID := h.connectionID
	h.mu.Unlock()

	m.metrics.ObserveInitLatency(time.Since(h.initStarted))
	m.metrics.SessionEvents.WithLabelValues("real_active").Inc()
	m.sendToConnection(connID, protocol.SessionInitialized{
		Type:      protocol.TypeSessionInitialized,
		SessionID: h.sessionID,
		Mode:      protocol.ModeReal,
	})
}

// activateFallback moves INITIALIZING to FALLBACK_ACTIVE. The guarded
// transition makes "exactly one session_initialized" hold even when the
// deadline and the first response race.
func (m *Manager) activateFallback(h *handle, reason string) bool {
	h.mu.Lock()
	if h.state != stateInitializing {
		h.mu.Unlock()
		return false
	}
	h.state = stateFallbackActive
	connID := h.connectionID
	h.mu.Unlock()

	// Anything queued for the abandoned real attempt is moot now.
	h.queue.Close()

	m.metrics.FallbackActivations.WithLabelValues(reason).Inc()
	m.metrics.SessionEvents.WithLabelValues("fallback_active").Inc()
	m.metrics.Stages.ObserveIndicator("fallback_" + reason)
	m.metrics.ObserveInitLatency(time.Since(h.initStarted))

	err := m.sender.Send(context.Background(), connID, protocol.SessionInitialized{
		Type:      protocol.TypeSessionInitialized,
		SessionID: h.sessionID,
		Mode:      protocol.ModeFallback,
	})
	if errors.Is(err, ErrConnectionGone) {
		// The client is gone and was never told the session is ready; do not
		// leave an orphaned active record behind.
		m.cleanupStaleConnection(connID)
		_ = m.teardownHandle(context.Background(), h, false)
	}
	return true
}

// onStreamClosed handles the inference read side ending. Mid-session that is
// a transport failure: the remainder of the session continues in fallback.
func (m *Manager) onStreamClosed(h *handle) {
	h.mu.Lock()
	if h.state != stateRealActive {
		h.mu.Unlock()
		return
	}
	h.state = stateFallbackActive
	h.mu.Unlock()

	h.queue.Close()
	m.metrics.InferenceErrors.WithLabelValues("stream").Inc()
	m.metrics.FallbackActivations.WithLabelValues("stream_error").Inc()
	m.log.Warn("inference stream ended mid-session, continuing in fallback",
		zap.String("session_id", h.sessionID))
}

// SendAudio ingests one audio_input message for an owned, active session.
func (m *Manager) SendAudio(ctx context.Context, connectionID string, msg protocol.AudioInput) error {
	if strings.TrimSpace(msg.AudioData) == "" && !msg.IsEndOfUtterance {
		return ErrEmptyAudio
	}

	if _, err := registry.Claim(ctx, m.store, msg.SessionID, connectionID); err != nil {
		return err
	}

	h := m.handle(msg.SessionID)
	if h == nil {
		// Warm cache miss: the owning process was recycled. Resuming would
		// need a fresh inference stream, which is a new session by policy.
		return ErrSessionNotWarm
	}
	h.setOwner(connectionID)

	switch h.currentState() {
	case stateEnded:
		return registry.ErrSessionExpired
	case stateFallbackActive:
		// Partial chunks are acknowledged and discarded so the client-side
		// protocol stays identical to real mode.
		if msg.IsEndOfUtterance {
			go m.runFallbackTurn(h)
		}
		return nil
	default:
		return m.enqueueAudio(ctx, h, msg)
	}
}

func (m *Manager) enqueueAudio(ctx context.Context, h *handle, msg protocol.AudioInput) error {
	h.mu.Lock()
	promptID := h.promptID
	h.contentSeq++
	contentID := fmt.Sprintf("%s-%d", h.sessionID, h.contentSeq)
	h.mu.Unlock()

	if msg.AudioData != "" {
		if err := h.queue.Enqueue(ctx, inference.ContentStart{PromptID: promptID, ContentID: contentID}); err != nil {
			return mapQueueErr(err)
		}
		if err := h.queue.Enqueue(ctx, inference.AudioInput{
			PromptID:    promptID,
			ContentID:   contentID,
			AudioBase64: msg.AudioData,
			SampleRate:  16000,
			Format:      "pcm16",
		}); err != nil {
			return mapQueueErr(err)
		}
	}
	if msg.IsEndOfUtterance {
		if err := h.queue.Enqueue(ctx, inference.AudioInputEnd{}); err != nil {
			return mapQueueErr(err)
		}
	}
	m.metrics.QueueDepth.Set(float64(m.totalQueueDepth()))
	return nil
}

func mapQueueErr(err error) error {
	if errors.Is(err, ErrQueueClosed) {
		return registry.ErrSessionExpired
	}
	return err
}

// EndSession ends an owned session: durable record deactivated, warm state
// torn down, exactly one session_ended sent.
func (m *Manager) EndSession(ctx context.Context, connectionID, sessionID string) error {
	if _, err := registry.Claim(ctx, m.store, sessionID, connectionID); err != nil {
		return err
	}

	h := m.handle(sessionID)
	if h == nil {
		// No warm state to unwind, but the durable record must still flip.
		if err := m.store.DeactivateSession(ctx, sessionID); err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		m.sendToConnection(connectionID, protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID})
		return nil
	}
	h.setOwner(connectionID)
	return m.teardownHandle(ctx, h, true)
}

// teardownHandle is idempotent and safe to call twice: the durable record is
// always left inactive, even when warm state is already gone.
func (m *Manager) teardownHandle(ctx context.Context, h *handle, notify bool) error {
	h.mu.Lock()
	alreadyEnded := h.state == stateEnded
	h.state = stateEnded
	connID := h.connectionID
	shouldNotify := notify && !h.endedSent
	if shouldNotify {
		h.endedSent = true
	}
	h.mu.Unlock()

	storeErr := m.store.DeactivateSession(ctx, h.sessionID)
	if storeErr != nil {
		m.log.Error("deactivate session record failed",
			zap.String("session_id", h.sessionID), zap.Error(storeErr))
	}

	if !alreadyEnded {
		// Let the generator flush what it already accepted, then stop.
		h.queue.TryEnqueue(inference.SessionEnd{})
		h.queue.Close()
		h.cancel()
		m.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}

	if shouldNotify {
		m.sendToConnection(connID, protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: h.sessionID})
	}

	m.mu.Lock()
	delete(m.handles, h.sessionID)
	m.mu.Unlock()
	m.metrics.ActiveSessions.Set(float64(m.warmCount()))

	if storeErr != nil {
		return fmt.Errorf("deactivate session: %w", storeErr)
	}
	return nil
}

// Disconnect tears down every active session the closing connection still
// owns, checking ownership against the registry before each teardown.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) {
	if err := m.store.DeleteConnection(ctx, connectionID); err != nil {
		m.log.Warn("delete connection record failed",
			zap.String("connection_id", connectionID), zap.Error(err))
	}

	for _, h := range m.handlesOwnedBy(connectionID) {
		sess, err := m.store.GetSession(ctx, h.sessionID)
		if err == nil && sess.IsActive && sess.ConnectionID != connectionID {
			// Ownership moved to a newer connection; that session survives.
			continue
		}
		if err := m.teardownHandle(ctx, h, false); err != nil {
			m.log.Error("teardown on disconnect failed",
				zap.String("session_id", h.sessionID), zap.Error(err))
		}
	}
	m.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
}

// Shutdown ends every warm session, e.g. on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		all = append(all, h)
	}
	m.mu.Unlock()

	for _, h := range all {
		if err := m.teardownHandle(ctx, h, true); err != nil {
			m.log.Error("teardown on shutdown failed",
				zap.String("session_id", h.sessionID), zap.Error(err))
		}
	}
}

func (m *Manager) cleanupStaleConnection(connectionID string) {
	m.metrics.Stages.ObserveIndicator("stale_connection")
	if err := m.store.DeleteConnection(context.Background(), connectionID); err != nil {
		m.log.Warn("stale connection cleanup failed",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
}

func (m *Manager) sendToConnection(connectionID string, msg any) {
	err := m.sender.Send(context.Background(), connectionID, msg)
	if err == nil {
		return
	}
	if errors.Is(err, ErrConnectionGone) {
		m.cleanupStaleConnection(connectionID)
		return
	}
	m.log.Warn("client push failed", zap.String("connection_id", connectionID), zap.Error(err))
}

func (m *Manager) handle(sessionID string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[sessionID]
}

func (m *Manager) handlesOwnedBy(connectionID string) []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []*handle
	for _, h := range m.handles {
		if h.owner() == connectionID {
			owned = append(owned, h)
		}
	}
	return owned
}

func (m *Manager) warmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) totalQueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := 0
	for _, h := range m.handles {
		depth += h.queue.Len()
	}
	return depth
}
