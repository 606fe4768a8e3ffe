package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shuttle-dispatch/internal/events"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/storage"
)

// LocationPublisher streams raw samples to downstream consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

const (
	forwardBuffer  = 256
	forwardTimeout = 2 * time.Second
)

// Tracker handles driver location pushes end to end. Stream publishing and
// cache updates run on a background forwarder so the push returns once the
// sample is stored.
type Tracker struct {
	store     storage.Store
	recorder  *Recorder
	bus       events.Publisher
	cache     geo.Cache
	publisher LocationPublisher
	log       *slog.Logger

	mu      sync.RWMutex
	closed  bool
	pending chan models.LocationSample
	done    chan struct{}
}

type TrackerOption func(*Tracker)

// WithCache keeps the current-location cache warm. When a publisher is also
// configured the cache is left to the stream consumer.
func WithCache(c geo.Cache) TrackerOption { return func(t *Tracker) { t.cache = c } }

func WithPublisher(p LocationPublisher) TrackerOption { return func(t *Tracker) { t.publisher = p } }

func NewTracker(store storage.Store, recorder *Recorder, bus events.Publisher, log *slog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{store: store, recorder: recorder, bus: bus, log: log}
	for _, o := range opts {
		o(t)
	}
	if t.publisher != nil || t.cache != nil {
		t.pending = make(chan models.LocationSample, forwardBuffer)
		t.done = make(chan struct{})
		go t.forward()
	}
	return t
}

// Close stops accepting samples for forwarding and waits for the queued ones.
func (t *Tracker) Close() {
	if t.pending == nil {
		return
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.pending)
	}
	t.mu.Unlock()
	<-t.done
}

func (t *Tracker) enqueue(s models.LocationSample) {
	if t.pending == nil {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.pending <- s:
	default:
		observability.EventsDropped.WithLabelValues("location").Inc()
		t.log.Warn("location forward queue full, dropping sample", "driver_id", s.DriverID)
	}
}

func (t *Tracker) forward() {
	defer close(t.done)
	for s := range t.pending {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		switch {
		case t.publisher != nil:
			if err := t.publisher.PublishLocation(ctx, s); err != nil {
				t.log.Error("publish location failed", "error", err, "driver_id", s.DriverID)
			}
		default:
			if err := t.cache.Upsert(ctx, s); err != nil {
				t.log.Error("location cache update failed", "error", err, "driver_id", s.DriverID)
			}
		}
		cancel()
	}
}

func (t *Tracker) RecordDriverLocation(ctx context.Context, driverID int64, in SampleInput) (*models.LocationSample, error) {
	var sample *models.LocationSample
	var trip *models.Trip
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		sample, trip, err = t.recorder.RecordSample(ctx, tx, driverID, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.SamplesRecorded.Inc()
	t.enqueue(*sample)

	e := models.Event{
		Type:      models.EventLocationUpdate,
		DriverID:  driverID,
		TripID:    trip.ID,
		Latitude:  sample.Coord.Lat,
		Longitude: sample.Coord.Lon,
		Speed:     sample.Speed,
		Heading:   sample.Heading,
		Timestamp: sample.Timestamp,
	}
	if trip.BookingID != nil {
		e.BookingID = *trip.BookingID
	}
	t.bus.Publish(e)
	return sample, nil
}

// CurrentLocation returns the newest sample for driverID, preferring the
// cache and falling back to the record store.
func (t *Tracker) CurrentLocation(ctx context.Context, driverID int64) (*models.LocationSample, error) {
	if t.cache != nil {
		s, ok, err := t.cache.Current(ctx, driverID)
		if err != nil {
			t.log.Warn("location cache read failed", "error", err, "driver_id", driverID)
		} else if ok {
			return &s, nil
		}
	}
	var s *models.LocationSample
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		s, err = tx.LatestSampleForDriver(ctx, driverID)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: no location for driver %d", models.ErrNotFound, driverID)
	}
	return s, err
}
