package proxyrotate

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace prefixes every exported metric
const MetricsNamespace = "proxyrotate"

// Spawn failure reasons
const (
	reasonExhausted = "exhausted"
	reasonWorker    = "worker"
	reasonOther     = "other"
)

// Metrics exports Prometheus metrics for a ProxyManager. Counters are fed
// from the event stream; pool and instance gauges are read from the
// manager at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	rotations     prometheus.Counter
	restarts      prometheus.Counter
	spawnFailures *prometheus.CounterVec

	state *stateCollector
}

// NewMetrics creates the metrics and registers them with registry. A nil
// registry gets a fresh one.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "events_total",
			Help:      "Lifecycle events by type.",
		}, []string{"type"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "rotations_total",
			Help:      "Planned endpoint rotations started.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "restarts_total",
			Help:      "Unplanned worker exits that scheduled a restart.",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "spawn_failures_total",
			Help:      "Failed spawn attempts by reason.",
		}, []string{"reason"}),
		state: newStateCollector(),
	}

	for _, c := range []prometheus.Collector{m.events, m.rotations, m.restarts, m.spawnFailures, m.state} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the registry the metrics live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Observe records one lifecycle event
func (m *Metrics) Observe(e Event) {
	m.events.WithLabelValues(e.Type.String()).Inc()

	switch e.Type {
	case EventInstanceRotating:
		m.rotations.Inc()
	case EventInstanceCrashed:
		m.restarts.Inc()
	case EventSpawnFailed:
		m.spawnFailures.WithLabelValues(failureReason(e.Err)).Inc()
	}
}

func (m *Metrics) attach(src snapshotSource) {
	m.state.setSource(src)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrEndpointExhausted):
		return reasonExhausted
	case errors.Is(err, ErrWorkerSpawn):
		return reasonWorker
	default:
		return reasonOther
	}
}

type snapshotSource interface {
	Pool() *EndpointPool
	Instances() []InstanceInfo
}

// stateCollector reports gauges computed from manager snapshots
type stateCollector struct {
	endpoints *prometheus.Desc
	occupied  *prometheus.Desc
	instances *prometheus.Desc

	mu  sync.RWMutex
	src snapshotSource
}

func newStateCollector() *stateCollector {
	return &stateCollector{
		endpoints: prometheus.NewDesc(
			prometheus.BuildFQName(MetricsNamespace, "", "endpoints"),
			"Endpoints in the pool.", nil, nil),
		occupied: prometheus.NewDesc(
			prometheus.BuildFQName(MetricsNamespace, "", "endpoints_occupied"),
			"Endpoints currently held by an instance.", nil, nil),
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(MetricsNamespace, "", "instances"),
			"Tracked instances by status.", []string{"status"}, nil),
	}
}

func (c *stateCollector) setSource(src snapshotSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.src = src
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.endpoints
	ch <- c.occupied
	ch <- c.instances
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()

	if src == nil {
		return
	}

	total, occupied := src.Pool().Stats()
	ch <- prometheus.MustNewConstMetric(c.endpoints, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.occupied, prometheus.GaugeValue, float64(occupied))

	counts := make(map[Status]int)
	for _, info := range src.Instances() {
		counts[info.Status]++
	}
	for _, st := range allStatuses() {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
}
