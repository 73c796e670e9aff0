package relay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	relayChannel = "convsync:relay"
	sequenceKey  = "convsync:relay:seq"
)

// redisFanout shares ids and messages between relay instances through redis.
type redisFanout struct {
	rdb *redis.Client
}

func (f *redisFanout) nextID(ctx context.Context) (int64, error) {
	return f.rdb.Incr(ctx, sequenceKey).Result()
}

func (f *redisFanout) publish(ctx context.Context, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, relayChannel, data).Err()
}

// subscribeRedis listens for messages accepted by any instance and hands
// them to the hub. It returns once the subscription is confirmed.
func (h *hub) subscribeRedis(ctx context.Context, rdb *redis.Client) error {
	pubsub := rdb.Subscribe(ctx, relayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var r record
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					h.log.Warn("dropping relay payload", "err", err)
					continue
				}
				select {
				case h.broadcast <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}
