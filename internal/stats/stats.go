package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gosocial"

// Metric names used by the realtime server.
const (
	Connections   = "connections"
	ActiveRooms   = "active_rooms"
	MessagesSent  = "messages_sent"
	EventsDropped = "events_dropped"
	RateLimited   = "rate_limited"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	registry *prometheus.Registry

	mu     sync.RWMutex
	gauges map[string]prometheus.Gauge
}

// NewStatsUpdater creates a stats updater backed by its own prometheus
// registry and serves it on GET /metrics of mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
	}
	su.initializeMetrics()

	if mux != nil {
		mux.Handle("GET /metrics", su.Handler())
	}

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_milliseconds",
			Help:      "Milliseconds since the server started.",
		}, func() float64 {
			return float64(time.Since(startTime).Milliseconds())
		}),
	)
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

// RegisterMetric adds a gauge under name. Registering a name twice is a
// no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.gauges[name]
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}
