package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/bridge"
	"github.com/edustream/voicebridge/internal/config"
	"github.com/edustream/voicebridge/internal/observability"
)

type Server struct {
	cfg      config.Config
	router   *bridge.Router
	hub      *Hub
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, router *bridge.Router, hub *Hub, metrics *observability.Metrics, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		router:  router,
		hub:     hub,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser connections from the same origin unless
				// explicitly opened up; other sites must not drive a
				// student's speech session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/speech/stats", s.handleStats)
	r.Get("/v1/speech/ws", s.handleSpeechWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_backend": s.cfg.StoreBackend,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

func (s *Server) handleSpeechWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Connection ids are minted per physical connection; a reconnecting
	// client gets a fresh one and reclaims its session by session id.
	connectionID := uuid.NewString()
	s.hub.Register(connectionID, conn)
	defer s.hub.Unregister(connectionID)

	ctx := r.Context()
	if err := s.router.HandleConnect(ctx, connectionID); err != nil {
		return
	}
	defer s.router.HandleDisconnect(ctx, connectionID)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	s.log.Info("client connected", zap.String("connection_id", connectionID))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.router.HandleMessage(ctx, connectionID, data); err != nil {
			s.log.Debug("message rejected",
				zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
	s.log.Info("client disconnected", zap.String("connection_id", connectionID))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
