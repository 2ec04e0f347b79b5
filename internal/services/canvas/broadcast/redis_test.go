package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRelayChannel(t *testing.T) {
	t.Parallel()

	relay := NewRedisRelay(nil, "")
	if got := relay.Channel("cat-1"); got != "tripboard:canvas:cat-1" {
		t.Fatalf("channel = %q, want %q", got, "tripboard:canvas:cat-1")
	}
	if got := NewRedisRelay(nil, " custom ").Channel("x"); got != "custom:x" {
		t.Fatalf("channel = %q, want %q", got, "custom:x")
	}
}

func TestRedisRelayRoundTrip(t *testing.T) {
	addr := os.Getenv("TRIPBOARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRIPBOARD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	relay := NewRedisRelay(client, "tripboard-test")
	received := make(chan Envelope, 1)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = relay.Subscribe(subCtx, func(env Envelope) {
			select {
			case received <- env:
			default:
			}
		})
	}()

	want := Envelope{Origin: "inst-1", Room: "cat-1", Event: "update", Data: json.RawMessage(`{"canvasId":"cat-1"}`)}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := relay.Publish(ctx, want); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case got := <-received:
			if got.Origin != want.Origin || got.Room != want.Room || string(got.Data) != string(want.Data) {
				t.Fatalf("envelope = %+v, want %+v", got, want)
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("no envelope received")
		}
	}
}
