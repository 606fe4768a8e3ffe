package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
)

// Publisher accepts domain events without blocking.
type Publisher interface {
	Publish(e models.Event) bool
}

type Handler func(ctx context.Context, e models.Event)

// Multi publishes to every member. Give each slow consumer its own Bus and
// combine them here so one consumer cannot stall another. Publish reports
// whether every member accepted the event.
type Multi []Publisher

func (m Multi) Publish(e models.Event) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ok := true
	for _, p := range m {
		if !p.Publish(e) {
			ok = false
		}
	}
	return ok
}

// Bus is a bounded in-process event queue. Publish never blocks: when the
// buffer is full the event is dropped. Handlers run on a single goroutine in
// subscription order.
type Bus struct {
	log      *slog.Logger
	events   chan models.Event
	handlers []Handler

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewBus(buffer int, log *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{log: log, events: make(chan models.Event, buffer), done: make(chan struct{})}
}

// Subscribe registers h. It must be called before Start.
func (b *Bus) Subscribe(h Handler) { b.handlers = append(b.handlers, h) }

func (b *Bus) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		for e := range b.events {
			for _, h := range b.handlers {
				h(ctx, e)
			}
		}
	}()
}

func (b *Bus) Publish(e models.Event) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.events <- e:
		return true
	default:
		observability.EventsDropped.WithLabelValues("bus").Inc()
		b.log.Warn("event buffer full, dropping event", "type", e.Type, "booking_id", e.BookingID)
		return false
	}
}

// Close stops accepting events and waits until the queued ones are handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.mu.Unlock()
	<-b.done
}
