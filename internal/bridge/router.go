package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/protocol"
	"github.com/edustream/voicebridge/internal/registry"
)

// Router is the transport entry point. It demultiplexes connect, disconnect
// and message events onto the manager, and turns every failure into an
// `error` message for the connection instead of letting it escape.
type Router struct {
	manager *Manager
	sender  ClientSender
	metrics *observability.Metrics
	log     *zap.Logger
}

func NewRouter(manager *Manager, sender ClientSender, metrics *observability.Metrics, log *zap.Logger) *Router {
	return &Router{manager: manager, sender: sender, metrics: metrics, log: log}
}

func (r *Router) HandleConnect(ctx context.Context, connectionID string) error {
	if err := r.manager.Connect(ctx, connectionID); err != nil {
		r.log.Error("record connection failed", zap.String("connection_id", connectionID), zap.Error(err))
		return err
	}
	r.metrics.SessionEvents.WithLabelValues("connected").Inc()
	return nil
}

func (r *Router) HandleDisconnect(ctx context.Context, connectionID string) {
	r.manager.Disconnect(ctx, connectionID)
}

// HandleMessage processes one inbound frame. The returned error reports the
// outcome to the transport layer; the client has already been notified.
func (r *Router) HandleMessage(ctx context.Context, connectionID string, raw []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling message: %v", rec)
			r.log.Error("message handler panicked",
				zap.String("connection_id", connectionID), zap.Any("panic", rec))
			r.sendError(connectionID, "", "internal_error")
		}
	}()

	parsed, perr := protocol.ParseClientMessage(raw)
	if perr != nil {
		r.sendError(connectionID, "", "malformed_message")
		return fmt.Errorf("parse message: %w", perr)
	}

	switch msg := parsed.(type) {
	case protocol.InitializeSession:
		r.observeInbound(protocol.TypeInitializeSession)
		if _, ierr := r.manager.Initialize(ctx, connectionID, msg); ierr != nil {
			r.sendError(connectionID, msg.SessionID, clientErrorCode(ierr))
			return ierr
		}
	case protocol.AudioInput:
		r.observeInbound(protocol.TypeAudioInput)
		if aerr := r.manager.SendAudio(ctx, connectionID, msg); aerr != nil {
			r.sendError(connectionID, msg.SessionID, clientErrorCode(aerr))
			return aerr
		}
	case protocol.EndSession:
		r.observeInbound(protocol.TypeEndSession)
		if eerr := r.manager.EndSession(ctx, connectionID, msg.SessionID); eerr != nil {
			r.sendError(connectionID, msg.SessionID, clientErrorCode(eerr))
			return eerr
		}
	case protocol.Ping:
		r.observeInbound(protocol.TypePing)
		r.send(connectionID, protocol.Pong{Type: protocol.TypePong})
	default:
		r.sendError(connectionID, "", "malformed_message")
		return protocol.ErrUnsupportedType
	}
	return nil
}

func (r *Router) observeInbound(t protocol.MessageType) {
	r.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
}

func (r *Router) send(connectionID string, msg any) {
	if err := r.sender.Send(context.Background(), connectionID, msg); err != nil && !errors.Is(err, ErrConnectionGone) {
		r.log.Warn("push failed", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

func (r *Router) sendError(connectionID, sessionID, code string) {
	r.send(connectionID, protocol.ErrorMessage{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Error:     code,
	})
}

func clientErrorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, registry.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, registry.ErrSessionNotOwned):
		return "session_not_owned"
	case errors.Is(err, registry.ErrSessionExists):
		return "session_exists"
	case errors.Is(err, ErrSessionNotWarm):
		return "session_not_resident"
	case errors.Is(err, ErrEmptyAudio):
		return "empty_audio"
	default:
		return "internal_error"
	}
}
