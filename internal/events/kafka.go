package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Kafka publishes events to a kafka topic and consumes them through a consumer group.
type Kafka struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	logger  zerolog.Logger
}

// NewKafka builds the transport; brokers must not be empty.
func NewKafka(brokers []string, groupID string, logger zerolog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if groupID == "" {
		groupID = "charon-signals"
	}
	return &Kafka{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
			// events are rare; do not hold them for a batch
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger: logger.With().Str("component", "events_kafka").Logger(),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.Asset),
		Value: payload,
		Time:  time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, topic string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    topic,
		GroupID:  k.groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	defer reader.Close()
	k.logger.Info().Str("topic", topic).Str("group", k.groupID).Msg("consumer started")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", topic, err)
		}

		event, err := Decode(msg.Value)
		if err != nil {
			k.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("malformed event skipped")
		} else if err := handler(ctx, event); err != nil {
			k.logger.Error().Err(err).Str("asset", event.Asset).Msg("event handler failed")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

var _ Bus = (*Kafka)(nil)
