package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists connections and sessions in PostgreSQL. TTL is an
// expires_at column checked on every read; stale rows are removed lazily.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridge_connections (
			id TEXT PRIMARY KEY,
			connected_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bridge_sessions (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			context JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_sessions_connection ON bridge_sessions (connection_id) WHERE is_active;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) PutConnection(ctx context.Context, conn Connection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bridge_connections (id, connected_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET connected_at = EXCLUDED.connected_at, expires_at = EXCLUDED.expires_at`,
		conn.ID, conn.ConnectedAt, conn.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, connectionID string) (Connection, error) {
	var conn Connection
	err := s.pool.QueryRow(ctx,
		`SELECT id, connected_at, expires_at FROM bridge_connections
		 WHERE id = $1 AND expires_at > now()`,
		connectionID,
	).Scan(&conn.ID, &conn.ConnectedAt, &conn.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bridge_connections WHERE id = $1`, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	var contextJSON []byte
	if len(sess.Context) > 0 {
		b, err := json.Marshal(sess.Context)
		if err != nil {
			return fmt.Errorf("encode session context: %w", err)
		}
		contextJSON = b
	}

	// An ended or expired row may be replaced; a live one must not be.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bridge_sessions (id, connection_id, course_id, student_id, context, is_active, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			connection_id = EXCLUDED.connection_id,
			course_id = EXCLUDED.course_id,
			student_id = EXCLUDED.student_id,
			context = EXCLUDED.context,
			is_active = EXCLUDED.is_active,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		 WHERE NOT bridge_sessions.is_active OR bridge_sessions.expires_at <= now()`,
		sess.ID, sess.ConnectionID, sess.CourseID, sess.StudentID, contextJSON, sess.IsActive, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionExists
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess        Session
		contextJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection_id, course_id, student_id, context, is_active, created_at, expires_at
		 FROM bridge_sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.ConnectionID, &sess.CourseID, &sess.StudentID, &contextJSON, &sess.IsActive, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if expired(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &sess.Context); err != nil {
			return Session{}, fmt.Errorf("decode session context: %w", err)
		}
	}
	return sess, nil
}

func (s *PostgresStore) TransferSession(ctx context.Context, sessionID, newConnectionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bridge_sessions SET connection_id = $2
		 WHERE id = $1 AND is_active AND expires_at > now()`,
		sessionID, newConnectionID,
	)
	if err != nil {
		return fmt.Errorf("transfer session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: classify why the guarded transfer was refused.
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return ErrSessionNotOwned
	}
	return ErrSessionExpired
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE bridge_sessions SET is_active = FALSE WHERE id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
