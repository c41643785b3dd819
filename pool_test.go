package proxyrotate

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireRespectsOccupancyAndExclusion(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 11))

	var endpoints []Endpoint
	for i := 0; i < 6; i++ {
		endpoints = append(endpoints, Endpoint{ID: fmt.Sprintf("e%d", i), Host: "10.0.0.1", Port: 8000 + i})
	}
	pool := NewEndpointPool(endpoints, WithPoolRand(rnd))

	held := make(map[string]string) // endpoint id -> holder

	for step := 0; step < 2000; step++ {
		if len(held) > 0 && rnd.IntN(3) == 0 {
			for id := range held {
				require.NoError(t, pool.Release(id))
				delete(held, id)
				break
			}
			continue
		}

		exclude := endpoints[rnd.IntN(len(endpoints))].ID
		holder := fmt.Sprintf("inst-%d", step)

		ep, err := pool.Acquire(holder, exclude)
		if err != nil {
			require.ErrorIs(t, err, ErrEndpointExhausted)
			for _, e := range pool.Endpoints() {
				if e.ID != exclude {
					assert.True(t, e.Occupied, "exhausted while %s is free", e.ID)
				}
			}
			continue
		}

		assert.NotEqual(t, exclude, ep.ID, "acquire returned the excluded endpoint")
		_, taken := held[ep.ID]
		assert.False(t, taken, "acquire returned occupied endpoint %s", ep.ID)
		assert.True(t, ep.Occupied)
		assert.Equal(t, holder, ep.Holder)
		held[ep.ID] = holder

		_, occupied := pool.Stats()
		require.Equal(t, len(held), occupied)
	}
}

func TestPoolExhaustion(t *testing.T) {
	pool := NewEndpointPool(twoEndpoints())

	_, err := pool.Acquire("a", "")
	require.NoError(t, err)
	_, err = pool.Acquire("b", "")
	require.NoError(t, err)

	_, err = pool.Acquire("c", "")
	require.ErrorIs(t, err, ErrEndpointExhausted)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, OpAcquire, opErr.Op)
	assert.Equal(t, "c", opErr.ID)
}

func TestPoolExcludeOnlyFreeEndpoint(t *testing.T) {
	pool := NewEndpointPool([]Endpoint{{ID: "only", Host: "h", Port: 1}})

	_, err := pool.Acquire("a", "only")
	require.ErrorIs(t, err, ErrEndpointExhausted)

	ep, err := pool.Acquire("a", "")
	require.NoError(t, err)
	assert.Equal(t, "only", ep.ID)
}

func TestPoolAcquireRequiresHolder(t *testing.T) {
	pool := NewEndpointPool(twoEndpoints())

	_, err := pool.Acquire("", "")
	require.ErrorIs(t, err, ErrEmptyHolder)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, OpAcquire, opErr.Op)

	_, occupied := pool.Stats()
	assert.Equal(t, 0, occupied)

	// Both endpoints are still handed out exactly once
	a, err := pool.Acquire("a", "")
	require.NoError(t, err)
	b, err := pool.Acquire("b", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = pool.Acquire("c", "")
	require.ErrorIs(t, err, ErrEndpointExhausted)
}

func TestPoolRelease(t *testing.T) {
	pool := NewEndpointPool(twoEndpoints())

	err := pool.Release("missing")
	require.ErrorIs(t, err, ErrUnknownEndpoint)

	err = pool.Release("e1")
	require.ErrorIs(t, err, ErrEndpointNotOccupied)

	ep, err := pool.Acquire("a", "e2")
	require.NoError(t, err)
	require.Equal(t, "e1", ep.ID)

	require.NoError(t, pool.Release("e1"))

	// A second release is reported and must not disturb other entries
	_, err = pool.Acquire("b", "e1")
	require.NoError(t, err)
	require.ErrorIs(t, pool.Release("e1"), ErrEndpointNotOccupied)

	total, occupied := pool.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, occupied)

	got, ok := pool.Get("e2")
	require.True(t, ok)
	assert.True(t, got.Occupied)
	assert.Equal(t, "b", got.Holder)
}

func TestPoolAddDedup(t *testing.T) {
	pool := NewEndpointPool(nil)

	first, added := pool.Add(Endpoint{Host: "Proxy.example.com", Port: 3128})
	require.True(t, added)
	assert.NotEmpty(t, first.ID, "empty ids get a generated one")

	again, added := pool.Add(Endpoint{Host: "proxy.example.com", Port: 3128, ID: "other"})
	assert.False(t, added)
	assert.Equal(t, first.ID, again.ID)

	sameID, added := pool.Add(Endpoint{ID: first.ID, Host: "elsewhere", Port: 1})
	assert.False(t, added)
	assert.Equal(t, "Proxy.example.com", sameID.Host)

	_, added = pool.Add(Endpoint{Host: "proxy.example.com", Port: 3129})
	assert.True(t, added)
	assert.Equal(t, 2, pool.Len())
}

func TestPoolAddDoesNotCopyOccupancy(t *testing.T) {
	pool := NewEndpointPool(nil)

	ep, _ := pool.Add(Endpoint{ID: "x", Host: "h", Port: 1, Occupied: true, Holder: "ghost"})
	assert.False(t, ep.Occupied)
	assert.Empty(t, ep.Holder)

	_, err := pool.Acquire("a", "")
	require.NoError(t, err)
}

func TestPoolEndpointsSnapshot(t *testing.T) {
	pool := NewEndpointPool(twoEndpoints())

	snap := pool.Endpoints()
	require.Len(t, snap, 2)
	assert.Equal(t, "e1", snap[0].ID)
	assert.Equal(t, "e2", snap[1].ID)

	snap[0].Occupied = true
	got, _ := pool.Get("e1")
	assert.False(t, got.Occupied, "snapshots are copies")
}

func TestPoolEvents(t *testing.T) {
	bus := newEventBus(RealClock())
	ch, cancel := bus.subscribe(16)
	defer cancel()

	pool := NewEndpointPool(twoEndpoints(), withPoolEvents(bus))
	_, err := pool.Acquire("u-3000", "e2")
	require.NoError(t, err)
	require.NoError(t, pool.Release("e1"))

	want := []EventType{EventEndpointAdded, EventEndpointAdded, EventEndpointOccupied, EventEndpointReleased}
	for i, typ := range want {
		e := <-ch
		assert.Equal(t, typ, e.Type, "event %d", i)
		assert.False(t, e.Time.IsZero())
	}
}

func TestPoolConcurrentAcquire(t *testing.T) {
	var endpoints []Endpoint
	for i := 0; i < 20; i++ {
		endpoints = append(endpoints, Endpoint{Host: "h", Port: i + 1})
	}
	pool := NewEndpointPool(endpoints)

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[string]int)
	exhausted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, err := pool.Acquire(fmt.Sprintf("inst-%d", i), "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exhausted++
				return
			}
			got[ep.ID]++
		}(i)
	}
	wg.Wait()

	assert.Len(t, got, 20)
	assert.Equal(t, 30, exhausted)
	for id, n := range got {
		assert.Equal(t, 1, n, "endpoint %s handed out %d times", id, n)
	}
}
