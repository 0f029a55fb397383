package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound client message types.
const (
	TypeInitializeSession MessageType = "initialize_session"
	TypeAudioInput        MessageType = "audio_input"
	TypeEndSession        MessageType = "end_session"
	TypePing              MessageType = "ping"
)

// Outbound client message types.
const (
	TypeSessionInitialized MessageType = "session_initialized"
	TypeTranscription      MessageType = "transcription"
	TypeTextResponse       MessageType = "text_response"
	TypeAudioResponse      MessageType = "audio_response"
	TypeToolUse            MessageType = "tool_use"
	TypeInferenceComplete  MessageType = "inference_complete"
	TypeSessionEnded       MessageType = "session_ended"
	TypeError              MessageType = "error"
	TypePong               MessageType = "pong"
	// TypeDebugEvent carries inference events the dispatcher does not
	// recognize, so nothing upstream is dropped silently.
	TypeDebugEvent MessageType = "debug_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionMode reports how a session is being driven.
type SessionMode string

const (
	ModeReal     SessionMode = "real"
	ModeFallback SessionMode = "fallback"
)

// VoiceConfig carries optional inference tuning from the client.
type VoiceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
	VoiceID     string  `json:"voiceId,omitempty"`
}

type InitializeSession struct {
	Type        MessageType  `json:"type"`
	SessionID   string       `json:"sessionId,omitempty"`
	AuthToken   string       `json:"authToken"`
	CourseID    string       `json:"courseId"`
	StudentID   string       `json:"studentId"`
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type AudioInput struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"sessionId"`
	AudioData        string      `json:"audioData"`
	IsEndOfUtterance bool        `json:"isEndOfUtterance"`
}

type EndSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type SessionInitialized struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Mode      SessionMode `json:"mode"`
}

type Transcription struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Text      string      `json:"text"`
}

type TextResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Text      string      `json:"text"`
}

type AudioResponse struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	AudioBase64 string      `json:"audioBase64"`
}

type ToolUse struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type InferenceComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Error     string      `json:"error"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type DebugEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseClientMessage decodes an inbound envelope into its concrete type.
// The discriminator set is closed; anything else is ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInitializeSession:
		var msg InitializeSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.AuthToken) == "" {
			return nil, errors.New("initialize_session: authToken is required")
		}
		if strings.TrimSpace(msg.CourseID) == "" || strings.TrimSpace(msg.StudentID) == "" {
			return nil, errors.New("initialize_session: courseId and studentId are required")
		}
		return msg, nil
	case TypeAudioInput:
		var msg AudioInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("audio_input: sessionId is required")
		}
		return msg, nil
	case TypeEndSession:
		var msg EndSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, errors.New("end_session: sessionId is required")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
