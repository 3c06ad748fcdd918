package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/store"
	"github.com/specialistvlad/stepgate/internal/store/filestore"
	"github.com/specialistvlad/stepgate/internal/store/memory"
	"github.com/specialistvlad/stepgate/internal/store/pgstore"
	"github.com/specialistvlad/stepgate/internal/store/redisstore"
)

// openStore opens the configured store driver. The returned closer, if
// any, releases its connection.
func openStore(ctx context.Context, s *config.Settings) (store.Store, func() error, error) {
	cfg := s.Store
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil, nil

	case config.DriverFile:
		st, err := filestore.New(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}
		return st, nil, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		st := redisstore.New(client, redisstore.WithLogger(ctxlog.FromContext(ctx)))
		if err := st.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return st, client.Close, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres pool: %w", err)
		}
		st := pgstore.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, func() error { pool.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
