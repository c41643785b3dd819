package proxyrotate

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// ProxyManager owns the endpoint pool and one supervisor per enabled
// listen port. It drives startup, shutdown and event propagation.
type ProxyManager struct {
	// Concurrency is the maximum number of initial spawns in flight
	Concurrency int
	// RetryDelay is the fixed delay before a failed spawn is retried
	RetryDelay time.Duration
	// RestartDelay is the fixed delay before a crashed worker is respawned
	RestartDelay time.Duration
	// StopTimeout bounds each cooperative stop before the worker is killed
	StopTimeout time.Duration
	// ShutdownTimeout bounds Shutdown when its context has no deadline
	ShutdownTimeout time.Duration
	// MaxSpawnAttempts drops an instance after this many consecutive
	// failed spawns, 0 retries forever
	MaxSpawnAttempts int

	clock    Clock
	log      *slog.Logger
	state    *StateDir
	rnd      *rand.Rand
	metrics  *Metrics
	launcher Launcher
	configs  []InstanceConfig
	pool     *EndpointPool
	bus      *eventBus

	startMu  sync.Mutex
	started  bool
	shutdown bool
	sctx     *stopper.Context

	mu        sync.RWMutex
	instances map[string]*supervisor
}

// ManagerOption configures a ProxyManager
type ManagerOption func(*ProxyManager)

// WithConcurrency sets the maximum number of concurrent initial spawns
func WithConcurrency(n int) ManagerOption {
	return func(m *ProxyManager) {
		m.Concurrency = n
	}
}

// WithRetryDelay sets the delay before a failed spawn is retried
func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *ProxyManager) {
		m.RetryDelay = d
	}
}

// WithRestartDelay sets the delay before a crashed worker is respawned
func WithRestartDelay(d time.Duration) ManagerOption {
	return func(m *ProxyManager) {
		m.RestartDelay = d
	}
}

// WithStopTimeout sets how long a worker may take to stop before it is killed
func WithStopTimeout(d time.Duration) ManagerOption {
	return func(m *ProxyManager) {
		m.StopTimeout = d
	}
}

// WithShutdownTimeout sets the default bound on Shutdown
func WithShutdownTimeout(d time.Duration) ManagerOption {
	return func(m *ProxyManager) {
		m.ShutdownTimeout = d
	}
}

// WithMaxSpawnAttempts sets how many consecutive spawn failures drop an instance
func WithMaxSpawnAttempts(n int) ManagerOption {
	return func(m *ProxyManager) {
		m.MaxSpawnAttempts = n
	}
}

// WithClock sets the time source for expiry and timers
func WithClock(c Clock) ManagerOption {
	return func(m *ProxyManager) {
		m.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ProxyManager) {
		m.log = l
	}
}

// WithStateDir enables PID and allow-list records under d
func WithStateDir(d *StateDir) ManagerOption {
	return func(m *ProxyManager) {
		m.state = d
	}
}

// WithRand sets the random source used for endpoint selection
func WithRand(r *rand.Rand) ManagerOption {
	return func(m *ProxyManager) {
		m.rnd = r
	}
}

// WithMetrics feeds lifecycle events to mt and lets it read pool and
// instance gauges at scrape time
func WithMetrics(mt *Metrics) ManagerOption {
	return func(m *ProxyManager) {
		m.metrics = mt
	}
}

// NewManager creates a ProxyManager over the given pool and instance
// configs. Configs are validated, and enabled configs must not expand to
// duplicate instance ids.
func NewManager(endpoints []Endpoint, configs []InstanceConfig, launcher Launcher, opts ...ManagerOption) (*ProxyManager, error) {
	if launcher == nil {
		return nil, errors.New("proxyrotate: launcher is required")
	}

	m := &ProxyManager{
		Concurrency:     DefaultConcurrency,
		RetryDelay:      DefaultRetryDelay,
		RestartDelay:    DefaultRestartDelay,
		StopTimeout:     DefaultStopTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		launcher:        launcher,
		instances:       make(map[string]*supervisor),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}
	if m.clock == nil {
		m.clock = RealClock()
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	merr := &MultiError{}
	seen := make(map[string]bool)
	m.configs = make([]InstanceConfig, 0, len(configs))
	for i := range configs {
		cfg := configs[i].Clone()
		if err := cfg.Validate(); err != nil {
			merr.Add(err)
			continue
		}
		if !cfg.Disabled {
			for _, single := range cfg.Expand() {
				id := single.ID()
				if seen[id] {
					merr.Add(&OpError{Op: OpAdd, ID: id, Err: ErrDuplicateInstance})
				}
				seen[id] = true
			}
		}
		m.configs = append(m.configs, *cfg)
	}
	if err := merr.Err(); err != nil {
		return nil, err
	}

	m.bus = newEventBus(m.clock)
	if m.metrics != nil {
		m.bus.addHook(m.metrics.Observe)
		m.metrics.attach(m)
	}

	poolOpts := []PoolOption{withPoolEvents(m.bus)}
	if m.rnd != nil {
		poolOpts = append(poolOpts, WithPoolRand(m.rnd))
	}
	m.pool = NewEndpointPool(endpoints, poolOpts...)

	return m, nil
}

// Start spawns one instance per listen port of every enabled, unexpired
// config. Expiry is evaluated once, against the manager clock. ctx bounds
// only the initial spawns; instances then live until Shutdown. Spawn
// failures are retried in the background and are not returned.
func (m *ProxyManager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.started || m.shutdown {
		return &OpError{Op: OpSpawn, Err: ErrAlreadyStarted}
	}
	m.started = true

	now := m.clock.Now()
	var sups []*supervisor
	merr := &MultiError{}

	for _, cfg := range m.configs {
		if cfg.Disabled {
			m.log.Info("skipping disabled instance config", "user", cfg.User)
			continue
		}
		if cfg.Expired(now) {
			m.log.Info("skipping expired instance config", "user", cfg.User, "expiry", cfg.Expiry)
			continue
		}

		for _, single := range cfg.Expand() {
			s, err := newSupervisor(m, single)
			if err != nil {
				merr.Add(&OpError{Op: OpSpawn, ID: single.ID(), Err: err})
				continue
			}
			sups = append(sups, s)
		}
	}

	m.mu.Lock()
	for _, s := range sups {
		m.instances[s.id] = s
	}
	m.mu.Unlock()

	m.sctx = stopper.WithContext(context.WithoutCancel(ctx))

	total, _ := m.pool.Stats()
	m.log.Info("starting instances", "instances", len(sups), "endpoints", total)

	if err := m.execute(ctx, sups, m.Concurrency, func(ctx context.Context, s *supervisor) error {
		return s.begin(ctx)
	}); err != nil {
		merr.Add(err)
	}

	for _, s := range sups {
		s.ensureScheduled(ctx.Err())
		m.sctx.Go(s.run)
	}

	return merr.Err()
}

// Shutdown stops every instance concurrently and waits until all are
// Stopped. It is bounded by ctx, or by ShutdownTimeout when ctx has no
// deadline; on expiry remaining workers are killed and ErrShutdownTimeout
// is returned.
func (m *ProxyManager) Shutdown(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true
	defer m.bus.close()

	if !m.started {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && m.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.ShutdownTimeout)
		defer cancel()
	}

	sups := m.supervisors()
	m.log.Info("shutting down", "instances", len(sups))

	merr := &MultiError{}
	if err := m.execute(ctx, sups, len(sups), func(ctx context.Context, s *supervisor) error {
		err := s.Stop(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}); err != nil {
		merr.Add(err)
	}

	clean := true
	if ctx.Err() != nil {
		clean = m.forceStop(sups)
		merr.Add(&OpError{Op: OpShutdown, Err: ErrShutdownTimeout})
	}

	m.sctx.Stop(0)
	if clean {
		if err := m.sctx.Wait(); err != nil {
			merr.Add(err)
		}
	}

	if err := merr.Err(); err != nil {
		m.log.Error("shutdown finished with errors", "error", err)
		return err
	}

	m.log.Info("shutdown complete")
	return nil
}

// forceStop kills the workers of supervisors that have not finished and
// gives them one StopTimeout of wall-clock time to be reaped. It reports whether all finished.
func (m *ProxyManager) forceStop(sups []*supervisor) bool {
	var pending []*supervisor
	for _, s := range sups {
		select {
		case <-s.done:
		default:
			pending = append(pending, s)
		}
	}

	m.log.Warn("shutdown timed out, killing remaining workers", "instances", len(pending))
	for _, s := range pending {
		s.kill()
	}

	// Wall-clock bound: the manager clock may never advance again
	timeout := time.NewTimer(m.StopTimeout)
	defer timeout.Stop()

	for _, s := range pending {
		select {
		case <-s.done:
		case <-timeout.C:
			return false
		}
	}
	return true
}

// StopInstance stops one instance; it is not restarted
func (m *ProxyManager) StopInstance(ctx context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.instances[id]
	m.mu.RUnlock()

	if !ok {
		return &OpError{Op: OpStop, ID: id, Err: ErrUnknownInstance}
	}
	return s.Stop(ctx)
}

// Instance returns a snapshot of one tracked instance
func (m *ProxyManager) Instance(id string) (InstanceInfo, error) {
	m.mu.RLock()
	s, ok := m.instances[id]
	m.mu.RUnlock()

	if !ok {
		return InstanceInfo{}, &OpError{Op: OpUnknown, ID: id, Err: ErrUnknownInstance}
	}
	return s.info(), nil
}

// Instances returns snapshots of every tracked instance, sorted by id
func (m *ProxyManager) Instances() []InstanceInfo {
	sups := m.supervisors()

	out := make([]InstanceInfo, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.info())
	}
	return out
}

// AddEndpoint inserts an endpoint into the live pool
func (m *ProxyManager) AddEndpoint(ep Endpoint) (Endpoint, bool) {
	return m.pool.Add(ep)
}

// Pool returns the manager's endpoint pool
func (m *ProxyManager) Pool() *EndpointPool {
	return m.pool
}

// Subscribe returns a channel of lifecycle events and a function that
// cancels the subscription. Events are dropped when the channel is full;
// buf 0 selects DefaultSubscriberBuffer. The channel is closed by the
// cancel function or when Shutdown returns.
func (m *ProxyManager) Subscribe(buf int) (<-chan Event, func()) {
	return m.bus.subscribe(buf)
}

// Dropped returns how many events were discarded for full subscribers
func (m *ProxyManager) Dropped() int64 {
	return m.bus.dropped.Load()
}

func (m *ProxyManager) forget(id string) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}

func (m *ProxyManager) supervisors() []*supervisor {
	m.mu.RLock()
	out := make([]*supervisor, 0, len(m.instances))
	for _, s := range m.instances {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *supervisor) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (m *ProxyManager) execute(ctx context.Context, sups []*supervisor, limit int, op func(context.Context, *supervisor) error) error {
	if len(sups) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for _, sup := range sups {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(&OpError{Op: OpUnknown, ID: s.id, Err: ctx.Err()})
				mu.Unlock()
				return
			}

			if err := op(ctx, s); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(sup)
	}

	wg.Wait()

	return merr.Err()
}
