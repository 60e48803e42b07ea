package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaSink is a Dispatcher publishing events to a Kafka topic. Writes are
// asynchronous; publish failures are logged, never surfaced to producers.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSink returns a KafkaSink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
	}
	w.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			logger.Error("kafka publish failed",
				slog.Int("messages", len(messages)),
				slog.Any("error", err),
			)
		}
	}
	return &KafkaSink{writer: w, logger: logger}, nil
}

// Dispatch publishes e keyed by its aggregate id so events for one aggregate
// stay ordered within a partition.
func (s *KafkaSink) Dispatch(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshalling event", slog.Any("error", err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(e.AggregateID),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "enqueueing event",
			slog.String("event_type", string(e.Type)),
			slog.Any("error", err),
		)
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
