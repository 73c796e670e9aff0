// Package store keeps snapshots of the message cache so a restarted client
// can render conversations before history has been fetched.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convsync/internal/chat"
	"convsync/internal/config"
)

// Store persists one ordered message sequence per cache key.
type Store interface {
	// Load returns the saved sequence, or nil when none exists.
	Load(ctx context.Context, key chat.Key) ([]chat.Message, error)
	Save(ctx context.Context, key chat.Key, msgs []chat.Message) error
	Close() error
}

// Open builds the backend named by cfg.Driver. The "none" driver returns a
// nil Store.
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return NewRedis(rdb, cfg.TTL), nil
	case "postgres":
		db, err := NewDatabase(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

const saveTimeout = 5 * time.Second
