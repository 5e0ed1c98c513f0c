package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const topicPrefix = "chat.room."

// RedisBus broadcasts events over Redis pub/sub, one topic per room. Redis
// delivers per-channel messages in publish order, which is what the router's
// ordering guarantee relies on.
type RedisBus struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisBus(addr string, log zerolog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, log: log}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, topicPrefix+ev.RoomID, payload).Err()
}

func (b *RedisBus) Run(ctx context.Context, handler func(Event)) error {
	sub := b.rdb.PSubscribe(ctx, topicPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable bus event")
				continue
			}
			handler(ev)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
