package trip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shuttle-dispatch/internal/events"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/storage"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *countingBus) Publish(e models.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return true
}

type fakePublisher struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (p *fakePublisher) PublishLocation(_ context.Context, s models.LocationSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
	return nil
}

func openTrip(t *testing.T, store storage.Store, r *Recorder, bookingID, driverID int64) (*models.Trip, error) {
	t.Helper()
	var tr *models.Trip
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		tr, err = r.Open(context.Background(), tx, bookingID, driverID, 1)
		return err
	})
	return tr, err
}

func TestConcurrentOpenAllowsOneOngoingTripPerDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(booking int64) {
			defer wg.Done()
			_, err := openTrip(t, store, r, booking, 42)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrConflict):
				conflicts++
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
	ongoing := 0
	for _, tr := range store.Trips() {
		if tr.Status == models.TripOngoing {
			ongoing++
		}
	}
	assert.Equal(t, 1, ongoing)
}

func TestCloseRequiresMatchingOpenTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	_, err := openTrip(t, store, r, 5, 7)
	require.NoError(t, err)

	ctx := context.Background()
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := r.Close(ctx, tx, 5, 8)
		return err
	})
	assert.ErrorIs(t, err, models.ErrNoActiveTrip)

	var closed *models.Trip
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		closed, err = r.Close(ctx, tx, 5, 7)
		return err
	}))
	assert.Equal(t, models.TripCompleted, closed.Status)
	require.NotNil(t, closed.EndTime)
	assert.False(t, closed.EndTime.Before(closed.StartTime))

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := r.Close(ctx, tx, 5, 7)
		return err
	})
	assert.ErrorIs(t, err, models.ErrNoActiveTrip)
}

func TestConcurrentSamplesWithoutTripWriteNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := &countingBus{}
	tracker := NewTracker(store, NewRecorder(), bus, discardLog)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tracker.RecordDriverLocation(context.Background(), 3, SampleInput{Coord: models.Coord{Lat: -7.15, Lon: 112.65}})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, models.ErrNoActiveTrip)
	}
	assert.Zero(t, store.SampleCount())
	assert.Empty(t, bus.events)
}

func TestRecordSampleAccumulatesDistance(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	bus := &countingBus{}
	pub := &fakePublisher{}
	tracker := NewTracker(store, r, bus, discardLog, WithPublisher(pub))
	_, err := openTrip(t, store, r, 1, 9)
	require.NoError(t, err)

	points := []models.Coord{
		{Lat: -7.1566, Lon: 112.6555},
		{Lat: -7.1600, Lon: 112.6530},
		{Lat: -7.1621, Lon: 112.6510},
	}
	base := time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)
	for i, p := range points {
		_, err := tracker.RecordDriverLocation(context.Background(), 9, SampleInput{Coord: p, Speed: 20, Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	want := geo.Distance(points[0], points[1]) + geo.Distance(points[1], points[2])
	trips := store.Trips()
	require.Len(t, trips, 1)
	assert.InDelta(t, want, trips[0].DistanceKm, 1e-9)

	assert.Equal(t, 3, store.SampleCount())
	tracker.Close()
	assert.Len(t, pub.samples, 3)
	require.Len(t, bus.events, 3)
	last := bus.events[2]
	assert.Equal(t, models.EventLocationUpdate, last.Type)
	assert.False(t, last.Targeted())
	assert.Equal(t, int64(1), last.BookingID)
	assert.Equal(t, points[2].Lat, last.Latitude)
}

func TestRecordSampleRejectsBadCoordinates(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	tracker := NewTracker(store, r, &countingBus{}, discardLog)
	_, err := openTrip(t, store, r, 1, 9)
	require.NoError(t, err)

	for _, c := range []models.Coord{{Lat: 95}, {Lon: 200}, {Lat: math.NaN()}} {
		_, err := tracker.RecordDriverLocation(context.Background(), 9, SampleInput{Coord: c})
		assert.ErrorIs(t, err, models.ErrValidation)
	}
	assert.Zero(t, store.SampleCount())
}

func TestCurrentLocationPrefersCache(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	cache := geo.NewIndex()
	tracker := NewTracker(store, r, &countingBus{}, discardLog, WithCache(cache))
	t.Cleanup(tracker.Close)
	ctx := context.Background()

	_, err := tracker.CurrentLocation(ctx, 9)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = openTrip(t, store, r, 1, 9)
	require.NoError(t, err)
	_, err = tracker.RecordDriverLocation(ctx, 9, SampleInput{Coord: models.Coord{Lat: -7.16, Lon: 112.65}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, _ := cache.Current(ctx, 9)
		return ok
	}, time.Second, 5*time.Millisecond)
	cached, _, err := cache.Current(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, -7.16, cached.Coord.Lat)

	s, err := tracker.CurrentLocation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, -7.16, s.Coord.Lat)

	storeOnly := NewTracker(store, r, &countingBus{}, discardLog)
	s, err = storeOnly.CurrentLocation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 112.65, s.Coord.Lon)
}

type stalledWriter struct {
	release chan struct{}
	mu      sync.Mutex
	msgs    int
}

func (w *stalledWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	select {
	case <-w.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	w.msgs += len(msgs)
	w.mu.Unlock()
	return nil
}

func (w *stalledWriter) Close() error { return nil }

func TestRecordDriverLocationDoesNotWaitForKafka(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	bus := &countingBus{}
	writer := &stalledWriter{release: make(chan struct{})}
	producer := events.NewKafkaProducerWithWriters(writer, writer, discardLog)
	tracker := NewTracker(store, r, bus, discardLog, WithPublisher(producer))
	_, err := openTrip(t, store, r, 1, 9)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := tracker.RecordDriverLocation(context.Background(), 9, SampleInput{Coord: models.Coord{Lat: -7.16, Lon: 112.65}})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 3, store.SampleCount())
	bus.mu.Lock()
	assert.Len(t, bus.events, 3)
	bus.mu.Unlock()

	close(writer.release)
	tracker.Close()
	assert.Equal(t, 3, writer.msgs)
}

func TestRecordDriverLocationDropsWhenForwardQueueFull(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder()
	writer := &stalledWriter{release: make(chan struct{})}
	producer := events.NewKafkaProducerWithWriters(writer, writer, discardLog)
	tracker := NewTracker(store, r, &countingBus{}, discardLog, WithPublisher(producer))
	_, err := openTrip(t, store, r, 1, 9)
	require.NoError(t, err)

	n := forwardBuffer + 10
	for i := 0; i < n; i++ {
		_, err := tracker.RecordDriverLocation(context.Background(), 9, SampleInput{Coord: models.Coord{Lat: -7.16, Lon: 112.65}})
		require.NoError(t, err)
	}
	assert.Equal(t, n, store.SampleCount())

	close(writer.release)
	tracker.Close()
	assert.Less(t, writer.msgs, n)
	assert.GreaterOrEqual(t, writer.msgs, forwardBuffer)
}
