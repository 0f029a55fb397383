package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps all registry state in process. It is the default backend
// for development and tests; TTLs are enforced on read and by the janitor.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	sessions    map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*Session),
	}
}

func (s *MemoryStore) PutConnection(_ context.Context, conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conn
	s.connections[conn.ID] = &c
	return nil
}

func (s *MemoryStore) GetConnection(_ context.Context, connectionID string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[connectionID]
	if !ok || expired(c.ExpiresAt) {
		return Connection{}, ErrConnectionNotFound
	}
	return *c, nil
}

func (s *MemoryStore) DeleteConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connectionID)
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok && existing.IsActive && !expired(existing.ExpiresAt) {
		return ErrSessionExists
	}
	c := sess
	if c.Context != nil {
		ctxCopy := make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			ctxCopy[k] = v
		}
		c.Context = ctxCopy
	}
	s.sessions[sess.ID] = &c
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if expired(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) TransferSession(_ context.Context, sessionID, newConnectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if expired(sess.ExpiresAt) {
		return ErrSessionExpired
	}
	if !sess.IsActive {
		return ErrSessionNotOwned
	}
	sess.ConnectionID = newConnectionID
	return nil
}

func (s *MemoryStore) DeactivateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		// Idempotent: deactivating a session that already expired away is fine.
		return nil
	}
	sess.IsActive = false
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// StartJanitor periodically drops expired records, mirroring the TTL sweep a
// durable backend gets for free.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.connections {
		if expired(c.ExpiresAt) {
			delete(s.connections, id)
		}
	}
	for id, sess := range s.sessions {
		if expired(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func cloneSession(sess *Session) Session {
	c := *sess
	if sess.Context != nil {
		c.Context = make(map[string]string, len(sess.Context))
		for k, v := range sess.Context {
			c.Context[k] = v
		}
	}
	return c
}
