// Package audit records who changed what. Recording is fire-and-forget: a
// sink never blocks or fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/shuttle-dispatch/internal/observability"
)

type Entry struct {
	ActorID    int64     `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	Before     any       `json:"before,omitempty"`
	After      any       `json:"after,omitempty"`
	At         time.Time `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Int64("actor_id", e.ActorID),
		slog.String("action", e.Action),
		slog.String("entity_type", e.EntityType),
		slog.Int64("entity_id", e.EntityID),
		slog.Any("before", e.Before),
		slog.Any("after", e.After),
	)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink ships entries to a Kafka topic from a background goroutine.
// Entries are dropped when the buffer is full.
type KafkaSink struct {
	w       MessageWriter
	log     *slog.Logger
	entries chan Entry
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaSink(brokers []string, topic string, buffer int, log *slog.Logger) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return NewKafkaSinkWithWriter(w, buffer, log)
}

func NewKafkaSinkWithWriter(w MessageWriter, buffer int, log *slog.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &KafkaSink{
		w:       w,
		log:     log,
		entries: make(chan Entry, buffer),
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) Record(_ context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.entries <- e:
	default:
		observability.EventsDropped.WithLabelValues("audit").Inc()
		s.log.Warn("audit buffer full, dropping entry", "action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID)
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for e := range s.entries {
		b, err := json.Marshal(e)
		if err != nil {
			s.log.Error("audit marshal failed", "error", err, "action", e.Action)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.w.WriteMessages(ctx, kafka.Message{Key: []byte(e.EntityType + ":" + strconv.FormatInt(e.EntityID, 10)), Value: b})
		cancel()
		if err != nil {
			s.log.Error("audit publish failed", "error", err, "action", e.Action)
		}
	}
}

// Close drains buffered entries and closes the writer. Record must not be
// called after Close.
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() { close(s.entries) })
	<-s.done
	return s.w.Close()
}

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
