package proxyrotate

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a lifecycle notification
type EventType int

const (
	// EventEndpointAdded fires when a new endpoint enters the pool
	EventEndpointAdded EventType = iota + 1
	// EventEndpointOccupied fires when an instance acquires an endpoint
	EventEndpointOccupied
	// EventEndpointReleased fires when an endpoint returns to the pool
	EventEndpointReleased
	// EventInstanceSpawned fires when a worker is alive and bound
	EventInstanceSpawned
	// EventInstanceStopped fires when an instance has finished for good
	EventInstanceStopped
	// EventInstanceRotating fires when a planned rotation begins
	EventInstanceRotating
	// EventInstanceCrashed fires when a worker exits without a stop request
	EventInstanceCrashed
	// EventSpawnFailed fires when a spawn attempt fails and a retry is due
	EventSpawnFailed
)

// String returns the string representation of an EventType
func (t EventType) String() string {
	switch t {
	case EventEndpointAdded:
		return "endpoint-added"
	case EventEndpointOccupied:
		return "endpoint-occupied"
	case EventEndpointReleased:
		return "endpoint-released"
	case EventInstanceSpawned:
		return "instance-spawned"
	case EventInstanceStopped:
		return "instance-stopped"
	case EventInstanceRotating:
		return "instance-rotating"
	case EventInstanceCrashed:
		return "instance-crashed"
	case EventSpawnFailed:
		return "spawn-failed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification delivered to subscribers
type Event struct {
	Type       EventType
	Time       time.Time
	InstanceID string
	// Endpoint is the endpoint involved, zero when none
	Endpoint Endpoint
	// Err carries the failure for crash and spawn-failed events
	Err error
}

// eventBus fans events out to subscriber channels without ever blocking the
// publisher. Hooks run synchronously and must not call back into the manager.
type eventBus struct {
	clock Clock

	mu     sync.Mutex
	subs   map[int]chan Event
	hooks  []func(Event)
	nextID int
	closed bool

	dropped atomic.Int64
}

func newEventBus(clock Clock) *eventBus {
	return &eventBus{
		clock: clock,
		subs:  make(map[int]chan Event),
	}
}

func (b *eventBus) publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, hook := range b.hooks {
		hook(e)
	}
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *eventBus) addHook(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

func (b *eventBus) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// close closes every subscriber channel; later publishes only reach hooks
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
