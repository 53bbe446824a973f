package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/config"
	"github.com/example/taxidispatch/internal/dispatch/domain"
)

// Open builds the store selected by cfg.StoreBackend. The returned closer
// releases the underlying connection and is never nil.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (domain.Store, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("using redis store", zap.String("addr", cfg.RedisAddr))
		return NewRedisStore(client, cfg.RedisPrefix), func() { _ = client.Close() }, nil
	case config.BackendPostgres:
		db, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgresStore(db)
		if err := pg.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return pg, func() { _ = db.Close() }, nil
	case config.BackendMemory:
		logger.Info("using in-memory store")
		return NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
