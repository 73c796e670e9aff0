package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convsync/internal/chat"
)

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis stores snapshots as JSON values that expire after ttl (0 keeps
// them forever).
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(key chat.Key) string {
	return fmt.Sprintf("convsync:messages:%d:%d", key.ViewerID, key.ConversationID)
}

func (r *Redis) Load(ctx context.Context, key chat.Key) ([]chat.Message, error) {
	data, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", redisKey(key), err)
	}
	return msgs, nil
}

func (r *Redis) Save(ctx context.Context, key chat.Key, msgs []chat.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKey(key), data, r.ttl).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
