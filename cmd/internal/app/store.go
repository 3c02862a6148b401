package app

import (
	"context"

	"calls/cmd/internal/coord"
)

// newCoordStore picks Redis when an address is configured and the in-memory
// store otherwise. The memory store cannot coordinate more than one process.
func newCoordStore(ctx context.Context, cfg Config, log Logger) (coord.Store, string, error) {
	if cfg.RedisAddr == "" {
		log.Warn("coord.memory_store", "note", "single process only")
		return coord.NewMemoryStore(), "memory", nil
	}

	st, err := coord.NewRedisStore(ctx, coord.RedisOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return nil, "", err
	}
	log.Info("coord.redis_store", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "namespace", cfg.KeyNamespace)
	return st, "redis", nil
}
