package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/shuttle-dispatch/internal/models"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeConn struct {
	mu       sync.Mutex
	msgs     []any
	fail     bool
	block    chan struct{}
	closed   bool
	deadline time.Time
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	h := NewHub(time.Second, discardLog)
	rider, driver, anon := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Subscribe(rider, 1, models.RoleRider)
	h.Subscribe(driver, 2, models.RoleDriver)
	h.Subscribe(anon, 0, "")

	n := h.Broadcast(models.Event{Type: models.EventLocationUpdate})
	assert.Equal(t, 3, n)
	for _, c := range []*fakeConn{rider, driver, anon} {
		assert.Equal(t, 1, c.received())
		assert.False(t, c.deadline.IsZero())
	}
}

func TestUnsubscribedConnectionReceivesNothing(t *testing.T) {
	h := NewHub(time.Second, discardLog)
	conns := []*fakeConn{{}, {}, {}, {}}
	for i, c := range conns {
		h.Subscribe(c, int64(i+1), models.RoleRider)
	}
	gone := conns[1]
	h.Unsubscribe(gone)
	assert.True(t, gone.closed)
	assert.Equal(t, 3, h.Len())

	n := h.Broadcast(models.Event{Type: models.EventBookingStatus})
	assert.Equal(t, 3, n)
	assert.Zero(t, gone.received())
	for i, c := range conns {
		if c == gone {
			continue
		}
		assert.Equal(t, 1, c.received(), "subscriber %d", i)
	}

	h.Unsubscribe(gone)
	assert.Equal(t, 3, h.Len())
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	h := NewHub(time.Second, discardLog)
	good, bad := &fakeConn{}, &fakeConn{fail: true}
	h.Subscribe(good, 1, models.RoleRider)
	h.Subscribe(bad, 2, models.RoleDriver)

	assert.Equal(t, 1, h.Broadcast("hello"))
	assert.Equal(t, 1, good.received())
	assert.Equal(t, 1, h.Len())
	assert.True(t, bad.closed)
	assert.False(t, h.NotifyDriver(2, "gone"))

	assert.Equal(t, 1, h.Broadcast("again"))
	assert.Equal(t, 2, good.received())
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	h := NewHub(time.Second, discardLog)
	slow := &fakeConn{block: make(chan struct{})}
	fast := &fakeConn{}
	h.Subscribe(slow, 1, models.RoleRider)
	h.Subscribe(fast, 2, models.RoleRider)

	done := make(chan int)
	go func() { done <- h.Broadcast("tick") }()

	require.Eventually(t, func() bool { return fast.received() == 1 }, time.Second, 5*time.Millisecond)
	close(slow.block)
	assert.Equal(t, 2, <-done)
}

func TestNotifyDriverTargetsOnlyThatDriver(t *testing.T) {
	h := NewHub(0, discardLog)
	d1, d2, rider := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Subscribe(d1, 10, models.RoleDriver)
	h.Subscribe(d2, 11, models.RoleDriver)
	h.Subscribe(rider, 10, models.RoleRider)

	assert.True(t, h.NotifyDriver(10, "offer"))
	assert.Equal(t, 1, d1.received())
	assert.Zero(t, d2.received())
	assert.Zero(t, rider.received())

	assert.False(t, h.NotifyDriver(99, "nobody"))
}

func TestNewerDriverConnectionWins(t *testing.T) {
	h := NewHub(0, discardLog)
	older, newer := &fakeConn{}, &fakeConn{}
	h.Subscribe(older, 7, models.RoleDriver)
	h.Subscribe(newer, 7, models.RoleDriver)

	h.Unsubscribe(older)
	assert.True(t, h.NotifyDriver(7, "offer"))
	assert.Equal(t, 1, newer.received())
	assert.Zero(t, older.received())

	h.Unsubscribe(newer)
	assert.False(t, h.NotifyDriver(7, "offer"))
	assert.Zero(t, h.Len())
}

func TestHandleEventRouting(t *testing.T) {
	h := NewHub(0, discardLog)
	driver, other := &fakeConn{}, &fakeConn{}
	h.Subscribe(driver, 3, models.RoleDriver)
	h.Subscribe(other, 4, models.RoleDriver)

	target := int64(3)
	h.HandleEvent(context.Background(), models.Event{Type: models.EventNewBooking, TargetDriverID: &target})
	assert.Equal(t, 1, driver.received())
	assert.Zero(t, other.received())

	h.HandleEvent(context.Background(), models.Event{Type: models.EventBookingStatus, Status: models.StatusOngoing})
	assert.Equal(t, 2, driver.received())
	assert.Equal(t, 1, other.received())
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	h := NewHub(time.Second, discardLog)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			c := &fakeConn{}
			h.Subscribe(c, id, models.RoleDriver)
			h.Unsubscribe(c)
		}(int64(i))
		go func() {
			defer wg.Done()
			h.Broadcast("tick")
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Len())
}
