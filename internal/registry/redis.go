package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connKeyPrefix = "vb:conn:"
	sessKeyPrefix = "vb:sess:"
)

// RedisStore persists connections and sessions as JSON values with native key
// TTLs, for deployments without Postgres.
type RedisStore struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) PutConnection(ctx context.Context, conn Connection) error {
	return s.setJSON(ctx, connKeyPrefix+conn.ID, conn, time.Until(conn.ExpiresAt))
}

func (s *RedisStore) GetConnection(ctx context.Context, connectionID string) (Connection, error) {
	var conn Connection
	err := s.getJSON(ctx, connKeyPrefix+connectionID, &conn)
	if errors.Is(err, redis.Nil) {
		return Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return Connection{}, err
	}
	return conn, nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, connKeyPrefix+connectionID).Err(); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *RedisStore) CreateSession(ctx context.Context, sess Session) error {
	existing, err := s.GetSession(ctx, sess.ID)
	if err == nil && existing.IsActive {
		return ErrSessionExists
	}
	if err != nil && !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrSessionExpired) {
		return err
	}
	return s.setJSON(ctx, sessKeyPrefix+sess.ID, sess, time.Until(sess.ExpiresAt))
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.getJSON(ctx, sessKeyPrefix+sessionID, &sess)
	if errors.Is(err, redis.Nil) {
		// A vanished key means the TTL fired; the caller cannot tell a
		// never-created session from an expired one here, so report not found.
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if expired(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

func (s *RedisStore) TransferSession(ctx context.Context, sessionID, newConnectionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return ErrSessionNotOwned
	}
	sess.ConnectionID = newConnectionID
	return s.rewrite(ctx, sessKeyPrefix+sessionID, sess)
}

func (s *RedisStore) DeactivateSession(ctx context.Context, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return nil
	}
	sess.IsActive = false
	return s.rewrite(ctx, sessKeyPrefix+sessionID, sess)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// rewrite stores v under key without disturbing the remaining TTL.
func (s *RedisStore) rewrite(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, b, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("rewrite %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
