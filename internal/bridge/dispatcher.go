package bridge

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/inference"
	"github.com/edustream/voicebridge/internal/logging"
	"github.com/edustream/voicebridge/internal/protocol"
)

// Dispatcher maps inference response events to typed client messages and
// pushes them to the session's current connection. One dispatcher runs per
// real-mode session.
type Dispatcher struct {
	SessionID string
	Sender    ClientSender
	// ConnectionID resolves the session's current owner on every push, so
	// replies follow the client across reconnects.
	ConnectionID func() string
	// OnFirstResponse fires exactly once, before the first event is
	// forwarded. It unblocks the initialization race.
	OnFirstResponse func()
	// OnStaleConnection fires when a push fails because the connection is
	// gone. The session is not torn down for that.
	OnStaleConnection func(connectionID string)
	Log               *zap.Logger

	firstOnce sync.Once
}

// Run consumes events until the channel closes or ctx is done. Delivery
// failures never abort the stream.
func (d *Dispatcher) Run(ctx context.Context, events <-chan inference.ResponseEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.firstOnce.Do(func() {
				if d.OnFirstResponse != nil {
					d.OnFirstResponse()
				}
			})
			d.push(ctx, d.translate(ev))
		}
	}
}

func (d *Dispatcher) translate(ev inference.ResponseEvent) any {
	switch ev := ev.(type) {
	case inference.Transcription:
		return protocol.Transcription{Type: protocol.TypeTranscription, SessionID: d.SessionID, Text: ev.Text}
	case inference.TextOutput:
		return protocol.TextResponse{Type: protocol.TypeTextResponse, SessionID: d.SessionID, Text: ev.Text}
	case inference.AudioOutput:
		return protocol.AudioResponse{Type: protocol.TypeAudioResponse, SessionID: d.SessionID, AudioBase64: ev.AudioBase64}
	case inference.ToolUse:
		return protocol.ToolUse{Type: protocol.TypeToolUse, SessionID: d.SessionID, Name: ev.Name, Input: ev.Input}
	case inference.TurnComplete:
		return protocol.InferenceComplete{Type: protocol.TypeInferenceComplete, SessionID: d.SessionID}
	case inference.UnknownResponse:
		return protocol.DebugEvent{Type: protocol.TypeDebugEvent, SessionID: d.SessionID, EventType: ev.Event, Payload: ev.Payload}
	default:
		return protocol.DebugEvent{Type: protocol.TypeDebugEvent, SessionID: d.SessionID, EventType: "unmapped"}
	}
}

func (d *Dispatcher) push(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.Transcription:
		d.Log.Debug("transcription",
			zap.String("session_id", d.SessionID), zap.String("text", logging.RedactPII(m.Text)))
	case protocol.TextResponse:
		d.Log.Debug("text response",
			zap.String("session_id", d.SessionID), zap.String("text", logging.RedactPII(m.Text)))
	}

	connID := d.ConnectionID()
	err := d.Sender.Send(ctx, connID, msg)
	if err == nil {
		return
	}
	if errors.Is(err, ErrConnectionGone) {
		d.Log.Info("dropping response for stale connection",
			zap.String("session_id", d.SessionID), zap.String("connection_id", connID))
		if d.OnStaleConnection != nil {
			d.OnStaleConnection(connID)
		}
		return
	}
	d.Log.Warn("client push failed",
		zap.String("session_id", d.SessionID), zap.String("connection_id", connID), zap.Error(err))
}
