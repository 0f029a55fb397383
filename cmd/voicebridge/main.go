package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edustream/voicebridge/internal/bridge"
	"github.com/edustream/voicebridge/internal/config"
	"github.com/edustream/voicebridge/internal/httpapi"
	"github.com/edustream/voicebridge/internal/inference"
	"github.com/edustream/voicebridge/internal/logging"
	"github.com/edustream/voicebridge/internal/observability"
	"github.com/edustream/voicebridge/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		panic("config error: " + err.Error())
	}

	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		panic("logger init failed: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := registry.NewStore(ctx, cfg)
	if err != nil {
		log.Fatal("registry store init failed", zap.Error(err))
	}
	defer store.Close()
	if mem, ok := store.(*registry.MemoryStore); ok {
		mem.StartJanitor(ctx, time.Minute)
	}
	log.Info("registry store ready", zap.String("backend", cfg.StoreBackend))

	client := inference.NewClient(inference.ClientConfig{
		WSURL:   cfg.InferenceWSURL,
		ModelID: cfg.InferenceModelID,
	}, inference.PassthroughExchanger{}, log)

	hub := httpapi.NewHub()
	manager := bridge.NewManager(bridge.ManagerConfig{
		InitTimeout:       cfg.InitTimeout,
		FallbackStepDelay: cfg.FallbackStepDelay,
		QueueCapacity:     cfg.QueueCapacity,
		SessionTTL:        cfg.SessionTTL,
		ConnectionTTL:     cfg.ConnectionTTL,
		ModelID:           cfg.InferenceModelID,
		DefaultVoiceID:    cfg.DefaultVoiceID,
	}, store, client, hub, metrics, log)
	router := bridge.NewRouter(manager, hub, metrics, log)

	api := httpapi.New(cfg, router, hub, metrics, log)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.BindAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
		_ = srv.Close()
	}
	log.Info("bye")
	_ = os.Stdout.Sync()
}
