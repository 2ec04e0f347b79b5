package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces relay channels.
const DefaultChannelPrefix = "tripboard:canvas"

// RedisRelay relays emissions over Redis pub/sub, one channel per room.
type RedisRelay struct {
	client *redis.Client
	prefix string
}

var _ Relay = (*RedisRelay)(nil)

// NewRedisRelay publishes to "<prefix>:<room>" channels.
func NewRedisRelay(client *redis.Client, prefix string) *RedisRelay {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{client: client, prefix: prefix}
}

// Channel returns the channel carrying roomKey.
func (r *RedisRelay) Channel(roomKey string) string {
	return r.prefix + ":" + roomKey
}

// Publish sends env on its room channel.
func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(env.Room), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.Channel(env.Room), err)
	}
	return nil
}

// Subscribe listens on every room channel until ctx is done.
func (r *RedisRelay) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s:*: %w", r.prefix, err)
	}
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("canvas: drop relay message on %s: %v", msg.Channel, err)
				continue
			}
			handle(env)
		}
	}
}
