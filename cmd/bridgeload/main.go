// bridgeload replays synthetic speech turns against a running bridge and
// reports per-stage latency percentiles. It speaks the same websocket
// protocol as a browser client.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edustream/voicebridge/internal/audio"
	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/protocol"
)

type options struct {
	baseURL        string
	authToken      string
	courseID       string
	studentID      string
	turns          int
	utteranceMS    int
	chunkMS        int
	sampleRate     int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgeload: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "bridgeload: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "bridge base URL")
	flag.StringVar(&cfg.authToken, "auth-token", "bridgeload", "authToken used for the synthetic session")
	flag.StringVar(&cfg.courseID, "course-id", "load-101", "courseId used for the synthetic session")
	flag.StringVar(&cfg.studentID, "student-id", "load-student", "studentId used for the synthetic session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 1200, "synthetic utterance length in milliseconds")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "PCM sample rate in Hz")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for inference_complete per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.utteranceMS < 100 || cfg.utteranceMS > 30000 {
		return options{}, fmt.Errorf("utterance-ms must be in [100,30000]")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

type serverEvent struct {
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"sessionId"`
	Mode      protocol.SessionMode `json:"mode"`
	Error     string               `json:"error"`
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := speechWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readyCh := make(chan serverEvent, 1)
	turnEndCh := make(chan struct{}, 32)
	endedCh := make(chan struct{}, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, readyCh, turnEndCh, endedCh, readErrCh, cfg.verbose)

	window := observability.NewLatencyWindow(cfg.turns)

	initStart := time.Now()
	init := protocol.InitializeSession{
		Type:      protocol.TypeInitializeSession,
		AuthToken: cfg.authToken,
		CourseID:  cfg.courseID,
		StudentID: cfg.studentID,
	}
	if err := conn.WriteJSON(init); err != nil {
		return fmt.Errorf("send initialize_session: %w", err)
	}

	var ready serverEvent
	select {
	case ready = <-readyCh:
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-time.After(cfg.turnTimeout):
		return fmt.Errorf("timeout waiting for session_initialized")
	}
	window.Observe(observability.StageInitToReady, float64(time.Since(initStart).Milliseconds()))
	window.ObserveIndicator("mode_" + string(ready.Mode))

	if cfg.verbose {
		fmt.Printf("bridgeload: session=%s mode=%s turns=%d chunk_ms=%d realtime=%.2f\n",
			ready.SessionID, ready.Mode, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	pcm := audio.SilencePCM16(time.Duration(cfg.utteranceMS)*time.Millisecond, cfg.sampleRate)
	chunks := splitPCMChunks(pcm, cfg.sampleRate, cfg.chunkMS)
	if len(chunks) == 0 {
		return fmt.Errorf("utterance produced no chunks")
	}

	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		turnStart := time.Now()
		if err := sendTurn(conn, ready.SessionID, chunks, cfg); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if err := awaitTurnEnd(turnEndCh, readErrCh, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await inference_complete: %w", i+1, err)
		}
		window.Observe("turn_total", float64(time.Since(turnStart).Milliseconds()))

		if cfg.verbose {
			fmt.Printf("bridgeload: turn %d/%d done in %s\n", i+1, cfg.turns, time.Since(turnStart).Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	end := protocol.EndSession{Type: protocol.TypeEndSession, SessionID: ready.SessionID}
	if err := conn.WriteJSON(end); err != nil {
		return fmt.Errorf("send end_session: %w", err)
	}
	select {
	case <-endedCh:
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-time.After(cfg.turnTimeout):
		return fmt.Errorf("timeout waiting for session_ended")
	}

	report, err := json.MarshalIndent(window.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(report))
	return nil
}

func speechWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/speech/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, readyCh chan<- serverEvent, turnEndCh chan<- struct{}, endedCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case protocol.TypeSessionInitialized:
			select {
			case readyCh <- ev:
			default:
			}
		case protocol.TypeInferenceComplete:
			select {
			case turnEndCh <- struct{}{}:
			default:
			}
		case protocol.TypeSessionEnded:
			select {
			case endedCh <- struct{}{}:
			default:
			}
		case protocol.TypeError:
			if verbose {
				fmt.Fprintf(os.Stderr, "bridgeload: error=%s session=%s\n", ev.Error, ev.SessionID)
			}
		}
	}
}

// sendTurn streams one utterance as paced audio_input chunks, flagging the
// last chunk as end of utterance.
func sendTurn(conn *websocket.Conn, sessionID string, chunks [][]byte, cfg options) error {
	for i, chunk := range chunks {
		msg := protocol.AudioInput{
			Type:             protocol.TypeAudioInput,
			SessionID:        sessionID,
			AudioData:        base64.StdEncoding.EncodeToString(chunk),
			IsEndOfUtterance: i == len(chunks)-1,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		chunkDuration := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(cfg.sampleRate*2)) / cfg.realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

func awaitTurnEnd(turnEndCh <-chan struct{}, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-turnEndCh:
		return nil
	case err := <-readErrCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

// splitPCMChunks cuts PCM16LE audio into chunkMS-sized pieces, keeping every
// chunk sample-aligned.
func splitPCMChunks(pcm []byte, sampleRate, chunkMS int) [][]byte {
	if len(pcm) < 2 {
		return nil
	}
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}

	var chunks [][]byte
	for off := 0; off < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		chunks = append(chunks, pcm[off:end])
		off = end
	}
	return chunks
}
