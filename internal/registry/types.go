package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSessionNotFound    = errors.New("session not found")
	// ErrSessionExpired covers sessions that are inactive or past their TTL.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotOwned is returned when ownership transfer is attempted on
	// an inactive session.
	ErrSessionNotOwned = errors.New("session not owned by connection")
	// ErrSessionExists is returned by CreateSession when an active record
	// already holds the id.
	ErrSessionExists = errors.New("session already exists")
)

// Connection records one physical transport link. Rows expire via TTL so a
// crashed process cannot leak them forever.
type Connection struct {
	ID          string    `json:"connection_id"`
	ConnectedAt time.Time `json:"connected_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session is the durable record of one speech-interaction lifetime. It is the
// source of truth for whether a session exists and which connection owns it;
// any in-process handle is a warm cache only.
type Session struct {
	ID           string            `json:"session_id"`
	ConnectionID string            `json:"connection_id"`
	CourseID     string            `json:"course_id"`
	StudentID    string            `json:"student_id"`
	Context      map[string]string `json:"context,omitempty"`
	IsActive     bool              `json:"is_active"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Store persists connections and sessions.
type Store interface {
	PutConnection(ctx context.Context, conn Connection) error
	GetConnection(ctx context.Context, connectionID string) (Connection, error)
	DeleteConnection(ctx context.Context, connectionID string) error

	// CreateSession fails with ErrSessionExists while an active, unexpired
	// record holds the same id; an ended or expired record may be replaced.
	CreateSession(ctx context.Context, sess Session) error
	// GetSession returns ErrSessionNotFound for unknown ids and
	// ErrSessionExpired for records past their TTL.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// TransferSession reassigns ownership of an active session to a new
	// connection. It fails with ErrSessionNotOwned when the session is
	// inactive and ErrSessionNotFound when it does not exist.
	TransferSession(ctx context.Context, sessionID, newConnectionID string) error
	// DeactivateSession marks the session inactive. It is idempotent and
	// succeeds when the session is already inactive.
	DeactivateSession(ctx context.Context, sessionID string) error

	Close() error
}

// Claim validates that connectionID may drive sessionID, transferring
// ownership when an active session shows up on a new connection (client
// reconnect). Inactive or expired sessions always fail with
// ErrSessionExpired.
func Claim(ctx context.Context, store Store, sessionID, connectionID string) (Session, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !sess.IsActive {
		return Session{}, ErrSessionExpired
	}
	if sess.ConnectionID != connectionID {
		if err := store.TransferSession(ctx, sessionID, connectionID); err != nil {
			return Session{}, err
		}
		sess.ConnectionID = connectionID
	}
	return sess, nil
}
