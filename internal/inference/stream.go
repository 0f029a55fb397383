package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/reliability"
)

// ErrStreamClosed is returned by Send after the write side has been closed.
var ErrStreamClosed = errors.New("inference stream closed")

// Stream is one live bidirectional inference call. Send is safe for a single
// writer; Events is closed when the read side finishes.
type Stream interface {
	Send(ctx context.Context, ev Event) error
	Events() <-chan ResponseEvent
	// CloseSend signals end of input without dropping in-flight responses.
	CloseSend() error
	Close() error
}

// Credentials are short-lived credentials minted for one stream.
type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

// CredentialExchanger swaps the client's opaque bearer credential for the
// short-lived one the inference service expects. Identity issuance itself is
// an external collaborator.
type CredentialExchanger interface {
	Exchange(ctx context.Context, authToken string) (Credentials, error)
}

// PassthroughExchanger forwards the bearer credential unchanged. Used when
// the deployment terminates auth upstream of the bridge.
type PassthroughExchanger struct{}

func (PassthroughExchanger) Exchange(_ context.Context, authToken string) (Credentials, error) {
	token := strings.TrimSpace(authToken)
	if token == "" {
		return Credentials{}, errors.New("empty auth token")
	}
	return Credentials{Token: token, ExpiresAt: time.Now().Add(15 * time.Minute)}, nil
}

type ClientConfig struct {
	WSURL   string
	ModelID string
}

// Client dials inference streams. Dial failures trip a circuit breaker so
// that, while the service is down, new sessions degrade to fallback without
// burning their whole initialization deadline on doomed dials.
type Client struct {
	cfg       ClientConfig
	exchanger CredentialExchanger
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

func NewClient(cfg ClientConfig, exchanger CredentialExchanger, log *zap.Logger) *Client {
	if exchanger == nil {
		exchanger = PassthroughExchanger{}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "inference-dial",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{cfg: cfg, exchanger: exchanger, breaker: breaker, log: log}
}

// StartStream exchanges credentials and dials the inference websocket,
// retrying transient dial failures with exponential backoff until ctx is
// done.
func (c *Client) StartStream(ctx context.Context, authToken string) (Stream, error) {
	creds, err := c.exchanger.Exchange(ctx, authToken)
	if err != nil {
		return nil, fmt.Errorf("exchange credentials: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.dial(ctx, creds)
	})
	if err != nil {
		return nil, err
	}
	return result.(Stream), nil
}

func (c *Client) dial(ctx context.Context, creds Credentials) (Stream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+creds.Token)
	headers.Set("X-Model-Id", c.cfg.ModelID)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), ctx)

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var resp *http.Response
		var dialErr error
		conn, resp, dialErr = websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, headers)
		if dialErr == nil {
			return nil
		}
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return backoff.Permanent(fmt.Errorf("dial inference stream: status %d: %w", resp.StatusCode, dialErr))
		}
		c.log.Debug("inference dial retry", zap.Error(dialErr))
		return dialErr
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("dial inference stream: %w", err)
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan ResponseEvent, 256),
		done:   make(chan struct{}),
		log:    c.log,
	}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	sendDone  bool
	events    chan ResponseEvent
	// done unblocks a readLoop stuck delivering into a full events buffer
	// after the consumer has gone away.
	done chan struct{}
	log  *zap.Logger
}

func (s *wsStream) Send(_ context.Context, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Events() <-chan ResponseEvent { return s.events }

func (s *wsStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session end"))
}

func (s *wsStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *wsStream) readLoop() {
	defer func() {
		_ = s.Close()
		close(s.events)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if reliability.IsRecoverableStreamError(err) {
				s.log.Warn("inference stream read failed", zap.Error(err))
			}
			return
		}
		ev, err := ParseResponseEvent(data)
		if err != nil {
			s.log.Warn("undecodable inference event", zap.Error(err))
			continue
		}
		if un, ok := ev.(UnknownResponse); ok && reliability.IsRetryableRealtimeEvent(un.Event) {
			s.log.Warn("transient inference service event", zap.String("event", un.Event))
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
