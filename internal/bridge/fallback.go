package bridge

import (
	"encoding/base64"
	"time"

	"github.com/edustream/voicebridge/internal/audio"
	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/protocol"
)

const (
	fallbackTranscript = "I'd like to keep practicing this topic."
	fallbackReply      = "Good question. Let's work through it together, one step at a time."

	fallbackAudioDuration   = 600 * time.Millisecond
	fallbackAudioSampleRate = 16000
)

// runFallbackTurn plays the scripted reply sequence for one end of
// utterance: transcription, text, placeholder audio, then the completion
// marker, each after a short simulated delay, all to the session's current
// connection.
func (m *Manager) runFallbackTurn(h *handle) {
	h.turnMu.Lock()
	defer h.turnMu.Unlock()

	started := time.Now()
	defer func() {
		m.metrics.Stages.Observe(observability.StageFallbackTurn, float64(time.Since(started).Milliseconds()))
	}()

	sessionID := h.sessionID
	step := func(msg any) bool {
		time.Sleep(m.cfg.FallbackStepDelay)
		if h.currentState() == stateEnded {
			return false
		}
		m.sendToConnection(h.owner(), msg)
		return true
	}

	if !step(protocol.Transcription{Type: protocol.TypeTranscription, SessionID: sessionID, Text: fallbackTranscript}) {
		return
	}
	if !step(protocol.TextResponse{Type: protocol.TypeTextResponse, SessionID: sessionID, Text: fallbackReply}) {
		return
	}
	if !step(protocol.AudioResponse{Type: protocol.TypeAudioResponse, SessionID: sessionID, AudioBase64: fallbackAudioBase64()}) {
		return
	}
	step(protocol.InferenceComplete{Type: protocol.TypeInferenceComplete, SessionID: sessionID})
}

// fallbackAudioBase64 returns silent PCM in a WAV container so clients can
// run their normal decode path against fallback turns.
func fallbackAudioBase64() string {
	pcm := audio.SilencePCM16(fallbackAudioDuration, fallbackAudioSampleRate)
	return base64.StdEncoding.EncodeToString(audio.EncodeWAVPCM16LE(pcm, fallbackAudioSampleRate))
}
