package registry

import (
	"context"
	"fmt"

	"github.com/edustream/voicebridge/internal/config"
)

// NewStore builds the configured registry backend.
func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
