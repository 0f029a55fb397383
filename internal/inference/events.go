package inference

import (
	"encoding/json"
	"fmt"
)

// SessionConfig seeds a new inference stream.
type SessionConfig struct {
	ModelID     string  `json:"modelId"`
	CourseID    string  `json:"courseId"`
	StudentID   string  `json:"studentId"`
	VoiceID     string  `json:"voiceId,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

// Event is one unit written to the inference stream. The set is closed;
// switches over it are expected to be exhaustive.
type Event interface {
	eventName() string
}

type SessionStart struct {
	Config SessionConfig `json:"config"`
}

type PromptStart struct {
	PromptID string `json:"promptId"`
}

type ContentStart struct {
	PromptID  string `json:"promptId"`
	ContentID string `json:"contentId"`
}

type AudioInput struct {
	PromptID    string `json:"promptId"`
	ContentID   string `json:"contentId"`
	AudioBase64 string `json:"audioBase64"`
	SampleRate  int    `json:"sampleRate"`
	Format      string `json:"format"`
}

type AudioInputEnd struct{}

type SessionEnd struct{}

func (SessionStart) eventName() string  { return "sessionStart" }
func (PromptStart) eventName() string   { return "promptStart" }
func (ContentStart) eventName() string  { return "contentStart" }
func (AudioInput) eventName() string    { return "audioInput" }
func (AudioInputEnd) eventName() string { return "audioInputEnd" }
func (SessionEnd) eventName() string    { return "sessionEnd" }

type eventEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEvent encodes an event as the wire envelope the inference service
// consumes.
func MarshalEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.eventName(), err)
	}
	return json.Marshal(eventEnvelope{Event: ev.eventName(), Payload: payload})
}

// ResponseEvent is one unit read from the inference stream.
type ResponseEvent interface {
	responseName() string
}

type Transcription struct {
	Text string `json:"text"`
}

type TextOutput struct {
	Text string `json:"text"`
}

type AudioOutput struct {
	AudioBase64 string `json:"audioBase64"`
}

type ToolUse struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type TurnComplete struct{}

// UnknownResponse preserves events this build does not understand so the
// dispatcher can forward them instead of dropping them.
type UnknownResponse struct {
	Event   string
	Payload json.RawMessage
}

func (Transcription) responseName() string   { return "transcription" }
func (TextOutput) responseName() string      { return "textOutput" }
func (AudioOutput) responseName() string     { return "audioOutput" }
func (ToolUse) responseName() string         { return "toolUse" }
func (TurnComplete) responseName() string    { return "turnComplete" }
func (UnknownResponse) responseName() string { return "unknown" }

// ParseResponseEvent decodes one wire envelope from the inference service.
func ParseResponseEvent(raw []byte) (ResponseEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}

	switch env.Event {
	case "transcription":
		var ev Transcription
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "textOutput":
		var ev TextOutput
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "audioOutput":
		var ev AudioOutput
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "toolUse":
		var ev ToolUse
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "turnComplete":
		return TurnComplete{}, nil
	default:
		return UnknownResponse{Event: env.Event, Payload: env.Payload}, nil
	}
}
