package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func TestRegister_ReplacesPriorConnection(t *testing.T) {
	r := New()

	_, displaced := r.Register("device-1", "connA")
	assert.False(t, displaced)

	old, displaced := r.Register("device-1", "connB")
	assert.True(t, displaced)
	assert.Equal(t, Handle("connA"), old)

	assert.Equal(t, 1, r.Len())
	e, ok := r.Lookup("device-1")
	require.True(t, ok)
	assert.Equal(t, Handle("connB"), e.Conn)

	id, removed := r.UnregisterByConnection("connA")
	assert.False(t, removed)
	assert.Empty(t, id)

	e, ok = r.Lookup("device-1")
	require.True(t, ok)
	assert.Equal(t, Handle("connB"), e.Conn)
}

func TestRegister_SameConnectionIsIdempotent(t *testing.T) {
	r := New()
	r.Register("device-1", "connA")
	_, displaced := r.Register("device-1", "connA")

	assert.False(t, displaced)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_ConnectionSwitchingIdentity(t *testing.T) {
	r := New()
	r.Register("device-1", "connA")
	r.Register("device-2", "connA")

	_, ok := r.Lookup("device-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	id, removed := r.UnregisterByConnection("connA")
	assert.True(t, removed)
	assert.Equal(t, "device-2", id)
	assert.Equal(t, 0, r.Len())
}

func TestHeartbeat(t *testing.T) {
	clock := newClock()
	r := New(WithClock(clock.Now))

	assert.False(t, r.Heartbeat("never-registered"))
	assert.Equal(t, 0, r.Len())

	r.Register("device-1", "connA")
	registeredAt := clock.Now()

	clock.Advance(30 * time.Second)
	assert.True(t, r.Heartbeat("device-1"))

	e, ok := r.Lookup("device-1")
	require.True(t, ok)
	assert.Equal(t, registeredAt.Add(30*time.Second), e.LastSeenAt)
}

func TestUnregisterByConnection(t *testing.T) {
	r := New()

	id, removed := r.UnregisterByConnection("unknown")
	assert.False(t, removed)
	assert.Empty(t, id)

	r.Register("device-1", "connA")
	id, removed = r.UnregisterByConnection("connA")
	assert.True(t, removed)
	assert.Equal(t, "device-1", id)

	// duplicate disconnect
	_, removed = r.UnregisterByConnection("connA")
	assert.False(t, removed)
	assert.Equal(t, 0, r.Len())
}

func TestSnapshot_Sorted(t *testing.T) {
	r := New()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		r.Register(id, Handle("conn-"+id))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].Identity)
	assert.Equal(t, "mid", snap[1].Identity)
	assert.Equal(t, "zeta", snap[2].Identity)

	snap[0].Conn = "mutated"
	e, _ := r.Lookup("alpha")
	assert.Equal(t, Handle("conn-alpha"), e.Conn)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	const devices = 200

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("device-%03d", i)
			conn := Handle(fmt.Sprintf("conn-%03d", i))

			r.Heartbeat(id)
			r.Register(id, conn)
			for j := 0; j < 10; j++ {
				assert.True(t, r.Heartbeat(id))
			}
			if i%2 == 0 {
				_, removed := r.UnregisterByConnection(conn)
				assert.True(t, removed)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, devices/2, r.Len())
	for _, e := range r.Snapshot() {
		assert.Equal(t, "conn-"+e.Identity[len("device-"):], string(e.Conn))
	}
}

func TestRegistry_ConcurrentReplacement(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := Handle(fmt.Sprintf("conn-%d", i))
			r.Register("shared-device", conn)
			r.UnregisterByConnection(conn)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 1)
}
