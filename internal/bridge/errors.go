package bridge

import "errors"

var (
	// ErrEmptyAudio rejects audio_input messages that carry neither audio
	// bytes nor an end-of-utterance flag.
	ErrEmptyAudio = errors.New("audio_input carried no audio and no end of utterance")

	// ErrSessionNotWarm distinguishes a session whose durable record exists
	// but whose in-process state lives in another (or a recycled) instance.
	// Such messages fail fast instead of hanging; in-memory state is never
	// resumed from the durable store.
	ErrSessionNotWarm = errors.New("session is not resident in this instance")
)
