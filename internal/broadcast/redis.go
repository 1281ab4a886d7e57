package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

const DefaultRedisChannel = "keybox:update_room"

// RedisSink relays updates to a Redis pub/sub channel for consumers outside
// this process.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisSinkFromClient(client, channel), nil
}

func NewRedisSinkFromClient(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (r *RedisSink) Publish(ctx context.Context, u types.RoomUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
