package proxyrotate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// manualClock only moves when Advance is called
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*manualTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.fired || t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			live = append(live, t)
		}
	}
	c.timers = live
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		go t.f()
	}
}

// Pending returns the number of armed timers
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeWorker struct {
	pid        int
	spec       WorkerSpec
	ignoreStop bool
	ignoreKill bool
	killErr    error

	done  chan struct{}
	once  sync.Once
	res   ExitResult
	stops atomic.Int32
	kills atomic.Int32
}

func (w *fakeWorker) PID() int { return w.pid }

func (w *fakeWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *fakeWorker) Stop() error {
	w.stops.Add(1)
	if !w.ignoreStop {
		w.exit(0, "")
	}
	return nil
}

func (w *fakeWorker) Kill() error {
	w.kills.Add(1)
	if !w.ignoreKill {
		w.exit(-1, "killed")
	}
	return w.killErr
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Exit() ExitResult {
	<-w.done
	return w.res
}

// Crash ends the worker as if the process died on its own
func (w *fakeWorker) Crash(code int) {
	w.exit(code, "upstream connection reset")
}

func (w *fakeWorker) exit(code int, output string) {
	w.once.Do(func() {
		w.res = ExitResult{Code: code, Output: output}
		close(w.done)
	})
}

type fakeLauncher struct {
	mu          sync.Mutex
	nextPID     int
	workers     []*fakeWorker
	fail        func(WorkerSpec) error
	ignoreStop  bool
	ignoreKill  bool
	killErr     error
	deadOnStart bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec WorkerSpec) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail != nil {
		if err := l.fail(spec); err != nil {
			return nil, err
		}
	}

	l.nextPID++
	w := &fakeWorker{
		pid:        1000 + l.nextPID,
		spec:       spec,
		ignoreStop: l.ignoreStop,
		ignoreKill: l.ignoreKill,
		killErr:    l.killErr,
		done:       make(chan struct{}),
	}
	if l.deadOnStart {
		w.exit(2, "bind: address already in use")
	}
	l.workers = append(l.workers, w)
	return w, nil
}

func (l *fakeLauncher) setFail(fn func(WorkerSpec) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fn
}

// behave sets how workers launched from now on react to signals
func (l *fakeLauncher) behave(ignoreStop, ignoreKill bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ignoreStop = ignoreStop
	l.ignoreKill = ignoreKill
}

// latest returns the most recent worker launched for an instance
func (l *fakeLauncher) latest(id string) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.workers) - 1; i >= 0; i-- {
		if l.workers[i].spec.InstanceID == id {
			return l.workers[i]
		}
	}
	return nil
}

// launches counts workers launched for an instance
func (l *fakeLauncher) launches(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, w := range l.workers {
		if w.spec.InstanceID == id {
			n++
		}
	}
	return n
}

var errLaunch = errors.New("exec: gost: executable file not found in $PATH")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects log output written from several goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func twoEndpoints() []Endpoint {
	return []Endpoint{
		{ID: "e1", Host: "h1", Port: 1, Kind: KindHTTP},
		{ID: "e2", Host: "h2", Port: 2, Kind: KindSOCKS5},
	}
}

type testEnv struct {
	t        *testing.T
	clock    *manualClock
	launcher *fakeLauncher
	mgr      *ProxyManager
}

func newTestEnv(t *testing.T, endpoints []Endpoint, configs []InstanceConfig, opts ...ManagerOption) *testEnv {
	t.Helper()

	env := &testEnv{
		t:        t,
		clock:    newManualClock(),
		launcher: &fakeLauncher{},
	}

	base := []ManagerOption{
		WithClock(env.clock),
		WithLogger(testLogger()),
	}

	mgr, err := NewManager(endpoints, configs, env.launcher, append(base, opts...)...)
	require.NoError(t, err)
	env.mgr = mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return env
}

func (e *testEnv) start() {
	e.t.Helper()
	require.NoError(e.t, e.mgr.Start(context.Background()))
}

func (e *testEnv) info(id string) InstanceInfo {
	e.t.Helper()
	info, err := e.mgr.Instance(id)
	require.NoError(e.t, err)
	return info
}

// waitUntil polls the instance until cond holds
func (e *testEnv) waitUntil(id string, cond func(InstanceInfo) bool, msg string) InstanceInfo {
	e.t.Helper()

	var last InstanceInfo
	require.Eventually(e.t, func() bool {
		info, err := e.mgr.Instance(id)
		if err != nil {
			return false
		}
		last = info
		return cond(info)
	}, waitFor, tick, msg)
	return last
}

func (e *testEnv) waitPending(n int) {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return e.clock.Pending() == n }, waitFor, tick,
		"expected %d armed timers", n)
}

func (e *testEnv) occupied() int {
	_, occupied := e.mgr.Pool().Stats()
	return occupied
}

func running(info InstanceInfo) bool { return info.Status == StatusRunning }
