package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edustream/voicebridge/internal/bridge"
)

// Hub tracks live websocket connections by connection id and implements
// bridge.ClientSender. A send to an unknown or broken connection reports
// bridge.ErrConnectionGone so registries can be cleaned up.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*hubConn
}

type hubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*hubConn)}
}

func (h *Hub) Register(connectionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connectionID] = &hubConn{conn: conn}
}

func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connectionID)
}

func (h *Hub) Send(_ context.Context, connectionID string, msg any) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return bridge.ErrConnectionGone
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		// A failed write means the socket is unusable; drop it so later
		// sends fail fast.
		h.Unregister(connectionID)
		return fmt.Errorf("%w: %v", bridge.ErrConnectionGone, err)
	}
	return nil
}
