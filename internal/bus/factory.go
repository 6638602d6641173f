package bus

import (
	"context"
	"fmt"
	"log/slog"

	"reencoder/internal/config"
)

// Open builds the backend selected in configuration. The returned close
// function releases backend resources and is never nil.
func Open(ctx context.Context, cfg config.Bus, logger *slog.Logger) (Bus, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBus(), func() error { return nil }, nil
	case "redis":
		rb, err := NewRedisBus(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.ChannelPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return rb, rb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
