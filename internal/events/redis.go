package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis publishes events over redis pub/sub.
type Redis struct {
	client *redis.Client
	owned  bool
	logger zerolog.Logger
}

// NewRedis wraps an existing client; Close leaves the client open.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "events_redis").Logger(),
	}
}

// DialRedis opens a dedicated client owned by the bus.
func DialRedis(opts *redis.Options, logger zerolog.Logger) *Redis {
	r := NewRedis(redis.NewClient(opts), logger)
	r.owned = true
	return r
}

func (r *Redis) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	pubsub := r.client.Subscribe(ctx, topic)
	defer pubsub.Close()

	// wait for confirmation so a dead server surfaces here
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	r.logger.Info().Str("topic", topic).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", topic)
			}
			event, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Err(err).Str("topic", topic).Msg("malformed event skipped")
				continue
			}
			if err := handler(ctx, event); err != nil {
				r.logger.Error().Err(err).Str("topic", topic).Str("asset", event.Asset).Msg("event handler failed")
			}
		}
	}
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

var _ Bus = (*Redis)(nil)
