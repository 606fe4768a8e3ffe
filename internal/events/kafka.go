package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/shuttle-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer streams domain events and raw location samples to Kafka.
type KafkaProducer struct {
	events    MessageWriter
	locations MessageWriter
	log       *slog.Logger
	timeout   time.Duration
}

// NewKafkaProducer builds async writers: WriteMessages only enqueues into the
// current batch and delivery errors are reported through Completion, so a slow
// or unreachable broker never holds up the caller.
func NewKafkaProducer(brokers []string, eventTopic, locationTopic string, log *slog.Logger) *KafkaProducer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Error("kafka async write failed", "error", err, "topic", topic, "messages", len(msgs))
				}
			},
		}
	}
	return NewKafkaProducerWithWriters(newWriter(eventTopic), newWriter(locationTopic), log)
}

func NewKafkaProducerWithWriters(events, locations MessageWriter, log *slog.Logger) *KafkaProducer {
	return &KafkaProducer{events: events, locations: locations, log: log, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(e.Type), Value: b})
}

// PublishLocation keys messages by driver so one driver's samples stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(s.DriverID, 10)), Value: b})
}

// Handle is a bus Handler forwarding every event to the event topic.
func (k *KafkaProducer) Handle(ctx context.Context, e models.Event) {
	if err := k.PublishEvent(ctx, e); err != nil {
		k.log.Error("kafka publish failed", "error", err, "type", e.Type, "event_id", e.ID)
	}
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.events, k.locations} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
