package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/event"
)

// PubSub mirrors sandbox events onto a Redis channel so local tooling can
// observe a session without going through the control plane.
type PubSub struct {
	client  *redis.Client
	channel string
}

func New(ctx context.Context, addr, password string, db int, sessionID string) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client, channel: SandboxChannel(sessionID)}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// Deliver implements event.Sink. Publish failures are logged and dropped.
func (ps *PubSub) Deliver(ctx context.Context, evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if pubErr := ps.Publish(ctx, ps.channel, payload); pubErr != nil {
		log.Warn().Err(pubErr).Str("channel", ps.channel).Msg("redis.PubSub.Deliver: failed to publish event")
	}
}

// Subscribe streams raw event payloads mirrored for this session. The
// returned channel closes when ctx ends or cleanup is called.
func (ps *PubSub) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, ps.channel)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// Channel returns the channel events are mirrored to.
func (ps *PubSub) Channel() string {
	return ps.channel
}

// SandboxChannel returns the Redis channel name for a sandbox session.
func SandboxChannel(sessionID string) string {
	return "sandbox:" + sessionID
}
