package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/l3v3l/pulse/internal/event"
)

// DefaultKafkaTopic is the topic all raw events are published to. Consumers
// filter by message key, which carries the per-type channel name.
const DefaultKafkaTopic = "pulse.events"

// wireEvent is the JSON shape published to Kafka. It is the versioned wire
// contract with external consumers; field renames are breaking.
type wireEvent struct {
	Type       string         `json:"type"`
	Actor      string         `json:"actor"`
	Target     string         `json:"target,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// KafkaBroadcaster publishes raw events to a Kafka topic for external
// consumers.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewKafkaBroadcaster creates a broadcaster writing to the given brokers.
// An empty topic selects DefaultKafkaTopic.
func NewKafkaBroadcaster(brokers []string, topic string,
	log *slog.Logger) *KafkaBroadcaster {

	if topic == "" {
		topic = DefaultKafkaTopic
	}

	return &KafkaBroadcaster{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		log: log,
	}
}

// Publish writes the event keyed by its per-type channel name, so all
// events of one type land on one partition in order.
func (k *KafkaBroadcaster) Publish(ctx context.Context,
	ev event.Event) error {

	payload, err := json.Marshal(wireEvent{
		Type:       string(ev.Type),
		Actor:      ev.Actor,
		Target:     ev.Target,
		Metadata:   ev.Metadata,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type.Channel()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaBroadcaster) Close() error {
	return k.writer.Close()
}
