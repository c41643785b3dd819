package proxyrotate

import (
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
)

// EndpointPool owns the upstream endpoints and their occupancy.
//
// Acquire and Release are the only ways occupancy changes; the choice of a
// free endpoint and marking it occupied happen under one lock, so concurrent
// supervisors never double-book an endpoint.
type EndpointPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	order   []string
	rnd     *rand.Rand
	bus     *eventBus
}

type poolEntry struct {
	endpoint Endpoint
	holder   string
	occupied bool
}

// PoolOption configures an EndpointPool
type PoolOption func(*EndpointPool)

// WithPoolRand sets the random source used to pick among free endpoints
func WithPoolRand(r *rand.Rand) PoolOption {
	return func(p *EndpointPool) {
		p.rnd = r
	}
}

// withPoolEvents routes pool notifications to the manager's bus
func withPoolEvents(bus *eventBus) PoolOption {
	return func(p *EndpointPool) {
		p.bus = bus
	}
}

// NewEndpointPool creates a pool seeded with endpoints. Duplicates by
// host+port are dropped, as with Add.
func NewEndpointPool(endpoints []Endpoint, opts ...PoolOption) *EndpointPool {
	p := &EndpointPool{
		entries: make(map[string]*poolEntry, len(endpoints)),
	}

	for _, opt := range opts {
		opt(p)
	}

	for _, ep := range endpoints {
		p.Add(ep)
	}

	return p
}

// Add inserts an endpoint. It is a no-op returning the existing entry and
// false when an endpoint with the same host+port or the same id is present.
// An empty ID is replaced by a random UUID.
func (p *EndpointPool) Add(ep Endpoint) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.entries[ep.ID]; ok && ep.ID != "" {
		return existing.snapshot(), false
	}
	for _, id := range p.order {
		if e := p.entries[id]; e.endpoint.sameTarget(ep) {
			return e.snapshot(), false
		}
	}

	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	ep.Occupied = false
	ep.Holder = ""

	entry := &poolEntry{endpoint: ep}
	p.entries[ep.ID] = entry
	p.order = append(p.order, ep.ID)

	snap := entry.snapshot()
	p.bus.publish(Event{Type: EventEndpointAdded, Endpoint: snap})
	return snap, true
}

// Acquire picks a free endpoint uniformly at random, skipping excludeID,
// and marks it held by holder
func (p *EndpointPool) Acquire(holder, excludeID string) (Endpoint, error) {
	if holder == "" {
		return Endpoint{}, &OpError{Op: OpAcquire, Err: ErrEmptyHolder}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*poolEntry, 0, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		if e.occupied || id == excludeID {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		return Endpoint{}, &OpError{Op: OpAcquire, ID: holder, Err: ErrEndpointExhausted}
	}

	chosen := candidates[p.intN(len(candidates))]
	chosen.holder = holder
	chosen.occupied = true

	snap := chosen.snapshot()
	p.bus.publish(Event{Type: EventEndpointOccupied, InstanceID: holder, Endpoint: snap})
	return snap, nil
}

// Release returns an endpoint to the pool. Unknown ids and endpoints that
// are already free are reported and leave the pool untouched.
func (p *EndpointPool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return &OpError{Op: OpRelease, ID: id, Err: ErrUnknownEndpoint}
	}
	if !e.occupied {
		return &OpError{Op: OpRelease, ID: id, Err: ErrEndpointNotOccupied}
	}

	holder := e.holder
	e.holder = ""
	e.occupied = false

	p.bus.publish(Event{Type: EventEndpointReleased, InstanceID: holder, Endpoint: e.snapshot()})
	return nil
}

// Get returns a snapshot of the endpoint with the given id
func (p *EndpointPool) Get(id string) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return Endpoint{}, false
	}
	return e.snapshot(), true
}

// Endpoints returns a snapshot of every endpoint, free or occupied, in
// insertion order
func (p *EndpointPool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Endpoint, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id].snapshot())
	}
	return out
}

// Stats returns the number of endpoints and how many are occupied
func (p *EndpointPool) Stats() (total, occupied int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.occupied {
			occupied++
		}
	}
	return len(p.entries), occupied
}

// Len returns the number of endpoints in the pool
func (p *EndpointPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// intN must be called with mu held
func (p *EndpointPool) intN(n int) int {
	if p.rnd != nil {
		return p.rnd.IntN(n)
	}
	return rand.IntN(n)
}

func (e *poolEntry) snapshot() Endpoint {
	ep := e.endpoint
	ep.Occupied = e.occupied
	ep.Holder = e.holder
	return ep
}
