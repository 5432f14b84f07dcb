package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string // fs, redis, postgres or memory
	Dir         string // fs backend root
	RedisAddr   string
	DatabaseURL string
}

// Open constructs the configured store backend.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Backend {
	case "fs", "":
		return NewFSStore(o.Dir)
	case "redis":
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: o.RedisAddr})), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, o.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return NewPGStore(ctx, pool)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", o.Backend)
	}
}
