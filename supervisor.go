package proxyrotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"vawter.tech/stopper"
)

// InstanceInfo is a point-in-time view of one supervised instance
type InstanceInfo struct {
	ID         string `json:"id"`
	User       string `json:"user"`
	ListenPort int    `json:"listen_port"`
	Policy     Policy `json:"policy"`
	Status     Status `json:"status"`
	// Endpoint is the held endpoint under the exclusive policy
	Endpoint      *Endpoint `json:"endpoint,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Rotations     int       `json:"rotations"`
	Restarts      int       `json:"restarts"`
	SpawnFailures int       `json:"spawn_failures"`
	// RetryPending is set while a retry or restart timer is armed
	RetryPending bool      `json:"retry_pending"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
}

type timerKind int

const (
	timerNone timerKind = iota
	timerRotate
	timerRetry
	timerRestart
)

// supervisor owns the lifecycle of one single-port instance. Every
// transition runs on the run goroutine, except the initial spawn which the
// manager performs before that goroutine starts.
type supervisor struct {
	id       string
	cfg      InstanceConfig
	policy   Policy
	schedule cron.Schedule
	m        *ProxyManager
	log      *slog.Logger

	timerC   chan uint64
	stopC    chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu            sync.Mutex
	status        Status
	endpoint      *Endpoint
	worker        Worker
	begun         bool
	rotations     int
	restarts      int
	spawnFailures int
	attempts      int
	retryPending  bool
	since         time.Time
	lastErr       error
	stopErr       error
	timer         Timer
	timerGen      uint64
	timerKind     timerKind
}

func newSupervisor(m *ProxyManager, cfg InstanceConfig) (*supervisor, error) {
	schedule, err := cfg.rotationSchedule()
	if err != nil {
		return nil, err
	}

	id := cfg.ID()

	return &supervisor{
		id:       id,
		cfg:      cfg,
		policy:   cfg.EffectivePolicy(),
		schedule: schedule,
		m:        m,
		log:      m.log.With("instance", id),
		timerC:   make(chan uint64),
		stopC:    make(chan struct{}),
		done:     make(chan struct{}),
		status:   StatusSpawning,
		since:    m.clock.Now(),
	}, nil
}

// begin performs the first spawn. A failure schedules a retry.
func (s *supervisor) begin(ctx context.Context) error {
	s.mu.Lock()
	s.begun = true
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.spawnFailed(&OpError{Op: OpSpawn, ID: s.id, Err: err})
		return nil
	}

	if err := s.spawn(ctx, ""); err != nil {
		s.spawnFailed(err)
	}
	return nil
}

// ensureScheduled covers supervisors whose first spawn never ran because
// the start context ended first
func (s *supervisor) ensureScheduled(cause error) {
	s.mu.Lock()
	begun := s.begun
	s.begun = true
	s.mu.Unlock()

	if !begun {
		s.spawnFailed(&OpError{Op: OpSpawn, ID: s.id, Err: cause})
	}
}

func (s *supervisor) run(sctx *stopper.Context) error {
	defer close(s.done)

	for {
		s.mu.Lock()
		status := s.status
		w := s.worker
		s.mu.Unlock()

		if status == StatusStopped {
			return nil
		}

		var exited <-chan struct{}
		if w != nil {
			exited = w.Done()
		}

		select {
		case <-s.stopC:
			s.halt()
			return nil

		case <-sctx.Stopping():
			s.halt()
			return nil

		case <-exited:
			s.handleExit(sctx, w)

		case gen := <-s.timerC:
			if s.stopRequested() {
				s.halt()
				return nil
			}
			s.fire(sctx, gen)
		}
	}
}

// spawn acquires upstreams and launches a worker, leaving the instance
// Running on success. On failure nothing stays acquired.
func (s *supervisor) spawn(ctx context.Context, excludeID string) error {
	s.mu.Lock()
	s.status = StatusSpawning
	s.retryPending = false
	s.mu.Unlock()

	var upstreams []Endpoint
	if s.policy == PolicyExclusive {
		ep, err := s.m.pool.Acquire(s.id, excludeID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.endpoint = &ep
		s.mu.Unlock()
		upstreams = []Endpoint{ep}
	} else {
		upstreams = s.m.pool.Endpoints()
		if len(upstreams) == 0 {
			return &OpError{Op: OpSpawn, ID: s.id, Err: ErrEndpointExhausted}
		}
	}

	spec, err := s.workerSpec(upstreams)
	if err != nil {
		s.releaseHeld()
		return &OpError{Op: OpSpawn, ID: s.id, Err: fmt.Errorf("%w: %w", ErrWorkerSpawn, err)}
	}

	w, err := s.m.launcher.Launch(ctx, spec)
	if err == nil && !w.Alive() {
		err = s.deadOnArrival(w)
	}
	if err != nil {
		s.releaseHeld()
		return &OpError{Op: OpSpawn, ID: s.id, Err: fmt.Errorf("%w: %w", ErrWorkerSpawn, err)}
	}

	if perr := s.m.state.WritePID(s.id, w.PID()); perr != nil {
		s.log.Warn("failed to record worker pid", "pid", w.PID(), "error", perr)
	}

	s.mu.Lock()
	s.worker = w
	s.status = StatusRunning
	s.since = s.m.clock.Now()
	s.attempts = 0
	s.lastErr = nil
	if s.cfg.RotationEnabled() {
		s.armTimerLocked(s.nextRotation(), timerRotate)
	}
	var held Endpoint
	if s.endpoint != nil {
		held = *s.endpoint
	}
	s.mu.Unlock()

	if held.ID != "" {
		s.log.Info("worker running", "pid", w.PID(), "endpoint", held.String(), "endpoint_id", held.ID)
	} else {
		s.log.Info("worker running", "pid", w.PID(), "upstreams", len(upstreams))
	}
	s.m.bus.publish(Event{Type: EventInstanceSpawned, InstanceID: s.id, Endpoint: held})
	return nil
}

func (s *supervisor) workerSpec(upstreams []Endpoint) (WorkerSpec, error) {
	spec := WorkerSpec{
		InstanceID:     s.id,
		User:           s.cfg.User,
		Password:       s.cfg.Password,
		ListenHost:     s.cfg.ListenHost,
		ListenPort:     s.cfg.ListenPort(),
		Upstreams:      upstreams,
		IPAllowList:    s.cfg.IPAllowList,
		MaxConnections: s.cfg.MaxConnections,
	}

	if s.m.state == nil {
		return spec, nil
	}

	if pid, err := s.m.state.ReapStale(s.id); err != nil {
		s.log.Warn("failed to reap stale worker", "error", err)
	} else if pid > 0 {
		s.log.Info("terminated stale worker from previous run", "pid", pid)
	}

	if len(s.cfg.IPAllowList) > 0 {
		path, err := s.m.state.WriteAllowList(s.id, s.cfg.IPAllowList)
		if err != nil {
			return spec, err
		}
		spec.AllowListFile = path
	}

	logFile, err := s.m.state.LogFile(s.id)
	if err != nil {
		return spec, err
	}
	spec.LogFile = logFile

	return spec, nil
}

// deadOnArrival collects the result of a worker that exited during startup
func (s *supervisor) deadOnArrival(w Worker) error {
	if err := w.Kill(); err != nil {
		s.log.Debug("kill failed", "pid", w.PID(), "error", err)
	}

	timeout, release := after(s.m.clock, s.m.StopTimeout)
	defer release()

	select {
	case <-w.Done():
		res := w.Exit()
		return fmt.Errorf("worker exited during startup with code %d: %s", res.Code, res.Output)
	case <-timeout:
		return errors.New("worker not alive after start")
	}
}

// spawnFailed records a failed spawn and arms the retry timer, or drops the
// instance once MaxSpawnAttempts is reached
func (s *supervisor) spawnFailed(err error) {
	s.mu.Lock()
	s.spawnFailures++
	s.attempts++
	s.lastErr = err
	attempts := s.attempts
	s.mu.Unlock()

	s.m.bus.publish(Event{Type: EventSpawnFailed, InstanceID: s.id, Err: err})

	if limit := s.m.MaxSpawnAttempts; limit > 0 && attempts >= limit {
		s.log.Error("giving up after repeated spawn failures", "attempts", attempts, "error", err)
		s.finish()
		return
	}

	if errors.Is(err, ErrEndpointExhausted) {
		s.log.Warn("no endpoint available, retry scheduled", "delay", s.m.RetryDelay, "attempt", attempts)
	} else {
		s.log.Warn("spawn failed, retry scheduled", "delay", s.m.RetryDelay, "attempt", attempts, "error", err)
	}

	s.mu.Lock()
	s.status = StatusSpawning
	s.retryPending = true
	s.armTimerLocked(s.m.RetryDelay, timerRetry)
	s.mu.Unlock()
}

// handleExit reacts to a worker completion seen by the run loop. A Running
// instance treats it as a crash. A Rotating instance still owning the worker
// had a stop time out, so the exit completes that rotation. Other planned
// stops wait on the worker themselves.
func (s *supervisor) handleExit(ctx context.Context, w Worker) {
	s.mu.Lock()
	if s.worker != w {
		s.mu.Unlock()
		return
	}
	switch s.status {
	case StatusRunning:
	case StatusRotating:
		s.mu.Unlock()
		s.log.Info("stuck worker exited, resuming rotation", "pid", w.PID())
		s.completeRotation(ctx)
		return
	default:
		s.mu.Unlock()
		return
	}
	s.worker = nil
	s.cancelTimerLocked()
	s.mu.Unlock()

	res := w.Exit()
	if err := s.m.state.RemovePID(s.id); err != nil {
		s.log.Debug("failed to remove pid record", "error", err)
	}
	s.releaseHeld()

	exitErr := &OpError{
		Op:  OpRestart,
		ID:  s.id,
		Err: fmt.Errorf("%w: exit code %d", ErrWorkerUnplannedExit, res.Code),
	}

	s.log.Warn("worker exited unexpectedly, restart scheduled",
		"exit_code", res.Code,
		"output", res.Output,
		"delay", s.m.RestartDelay,
	)

	s.mu.Lock()
	s.restarts++
	s.lastErr = exitErr
	s.status = StatusSpawning
	s.retryPending = true
	s.since = s.m.clock.Now()
	s.armTimerLocked(s.m.RestartDelay, timerRestart)
	s.mu.Unlock()

	s.m.bus.publish(Event{Type: EventInstanceCrashed, InstanceID: s.id, Err: exitErr})
}

func (s *supervisor) fire(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	kind := s.timerKind
	s.timer = nil
	s.timerKind = timerNone
	s.mu.Unlock()

	switch kind {
	case timerRotate:
		s.rotate(ctx)
	case timerRetry, timerRestart:
		if err := s.spawn(ctx, ""); err != nil {
			s.spawnFailed(err)
		}
	}
}

// rotate stops the worker, returns its endpoint to the pool and spawns again
// with that endpoint excluded
func (s *supervisor) rotate(ctx context.Context) {
	s.mu.Lock()
	w := s.worker
	if s.status != StatusRunning || w == nil {
		s.mu.Unlock()
		return
	}
	s.status = StatusRotating
	var held Endpoint
	if s.endpoint != nil {
		held = *s.endpoint
	}
	s.mu.Unlock()

	s.log.Info("rotating endpoint", "endpoint", held.String(), "endpoint_id", held.ID)
	s.m.bus.publish(Event{Type: EventInstanceRotating, InstanceID: s.id, Endpoint: held})

	if err := s.terminate(w); err != nil {
		// The worker still owns the listen port and its endpoint; both stay
		// held until the run loop sees it exit
		s.log.Error("worker did not exit during rotation, waiting for exit", "pid", w.PID(), "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return
	}

	s.completeRotation(ctx)
}

// completeRotation runs once the old worker has exited
func (s *supervisor) completeRotation(ctx context.Context) {
	s.mu.Lock()
	s.worker = nil
	s.rotations++
	s.mu.Unlock()

	if err := s.m.state.RemovePID(s.id); err != nil {
		s.log.Debug("failed to remove pid record", "error", err)
	}
	prev := s.releaseHeld()

	if s.stopRequested() {
		return
	}

	if err := s.spawn(ctx, prev); err != nil {
		s.spawnFailed(err)
	}
}

// terminate asks the worker to stop and escalates to a kill once
// StopTimeout passes
func (s *supervisor) terminate(w Worker) error {
	if err := w.Stop(); err != nil {
		s.log.Debug("stop signal failed", "pid", w.PID(), "error", err)
	}

	if s.waitExit(w) {
		return nil
	}

	s.log.Warn("worker ignored stop signal, killing", "pid", w.PID(), "timeout", s.m.StopTimeout)
	if err := w.Kill(); err != nil {
		s.log.Debug("kill failed", "pid", w.PID(), "error", err)
	}

	if s.waitExit(w) {
		return nil
	}
	return &OpError{Op: OpStop, ID: s.id, Err: ErrStopTimeout}
}

func (s *supervisor) waitExit(w Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
	}

	timeout, release := after(s.m.clock, s.m.StopTimeout)
	defer release()

	select {
	case <-w.Done():
		return true
	case <-timeout:
		return false
	}
}

// halt is the manager-initiated stop. No restart follows.
func (s *supervisor) halt() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	s.retryPending = false
	s.cancelTimerLocked()
	w := s.worker
	s.mu.Unlock()

	var stuck bool
	if w != nil {
		if err := s.terminate(w); err != nil {
			s.log.Error("worker did not exit", "pid", w.PID(), "error", err)
			s.mu.Lock()
			s.stopErr = err
			s.mu.Unlock()
			stuck = true
		}
	}

	s.mu.Lock()
	s.worker = nil
	held := s.endpoint
	s.endpoint = nil
	s.mu.Unlock()

	if stuck {
		// Nothing may reuse the endpoint or the state files while the
		// process is alive
		go s.reapLater(w, held)
	} else {
		s.releaseEndpoint(held)
		s.removeState()
	}

	s.finish()
}

// reapLater releases what a surviving worker held once it finally exits
func (s *supervisor) reapLater(w Worker, held *Endpoint) {
	<-w.Done()
	s.log.Info("stuck worker exited", "pid", w.PID())
	s.releaseEndpoint(held)
	s.removeState()
}

func (s *supervisor) removeState() {
	if err := s.m.state.RemoveInstance(s.id); err != nil {
		s.log.Debug("failed to remove instance state", "error", err)
	}
}

// finish marks the instance Stopped and drops it from the manager
func (s *supervisor) finish() {
	s.mu.Lock()
	s.status = StatusStopped
	s.retryPending = false
	s.cancelTimerLocked()
	s.since = s.m.clock.Now()
	s.mu.Unlock()

	s.m.forget(s.id)
	s.log.Info("instance stopped")
	s.m.bus.publish(Event{Type: EventInstanceStopped, InstanceID: s.id})
}

// releaseHeld returns the held endpoint, if any, and reports its id
func (s *supervisor) releaseHeld() string {
	s.mu.Lock()
	ep := s.endpoint
	s.endpoint = nil
	s.mu.Unlock()

	return s.releaseEndpoint(ep)
}

func (s *supervisor) releaseEndpoint(ep *Endpoint) string {
	if ep == nil {
		return ""
	}

	if err := s.m.pool.Release(ep.ID); err != nil {
		s.log.Error("endpoint bookkeeping fault", "endpoint_id", ep.ID, "error", err)
	}
	return ep.ID
}

// Stop requests a manager-initiated stop and waits for the instance to
// reach Stopped or for ctx to end
func (s *supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopC) })

	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kill forcibly terminates the current worker without changing state; the
// run loop observes the exit
func (s *supervisor) kill() {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		_ = w.Kill()
	}
}

func (s *supervisor) stopRequested() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *supervisor) nextRotation() time.Duration {
	if s.schedule != nil {
		now := s.m.clock.Now()
		return s.schedule.Next(now).Sub(now)
	}
	return s.cfg.RotationInterval
}

// armTimerLocked must be called with mu held
func (s *supervisor) armTimerLocked(d time.Duration, kind timerKind) {
	s.cancelTimerLocked()

	gen := s.timerGen
	s.timerKind = kind
	s.timer = s.m.clock.AfterFunc(d, func() {
		select {
		case s.timerC <- gen:
		case <-s.done:
		}
	})
}

// cancelTimerLocked must be called with mu held. Bumping the generation
// makes an already-fired callback harmless.
func (s *supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerKind = timerNone
	s.timerGen++
}

func (s *supervisor) info() InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := InstanceInfo{
		ID:            s.id,
		User:          s.cfg.User,
		ListenPort:    s.cfg.ListenPort(),
		Policy:        s.policy,
		Status:        s.status,
		Rotations:     s.rotations,
		Restarts:      s.restarts,
		SpawnFailures: s.spawnFailures,
		RetryPending:  s.retryPending,
		Since:         s.since,
	}
	if s.endpoint != nil {
		ep := *s.endpoint
		info.Endpoint = &ep
	}
	if s.worker != nil {
		info.PID = s.worker.PID()
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
