// Package metrics exposes daemon counters to Prometheus and serves the
// liveness and readiness endpoints.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/state"
)

// Namespace prefixes every metric name.
const Namespace = "enclosure"

// Collector implements the recorder hooks of the registry, router and
// scheduler. Its methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	inbound      prometheus.Counter
	inboxDepth   prometheus.Gauge
	deliveries   *prometheus.CounterVec
	overflows    prometheus.Counter
	writes       *prometheus.CounterVec
	fires        *prometheus.CounterVec
	runlevels    *prometheus.GaugeVec
	stalls       *prometheus.CounterVec
	published    prometheus.Counter
}

// New creates a collector on a private registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "ticks_total",
			Help: "Daemon loop iterations.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Name: "tick_duration_seconds",
			Help:    "Time spent in one tick, sleep excluded.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "inbound_messages_total",
			Help: "Bus messages drained from the inbox.",
		}),
		inboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "inbox_depth",
			Help: "Messages waiting in the inbox after the last drain.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "signals_delivered_total",
			Help: "Signals handed to plugin handlers.",
		}, []string{"target"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "routing_overflows_total",
			Help: "Ticks aborted because the signal budget was exceeded.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "attribute_writes_total",
			Help: "Attribute write requests by outcome.",
		}, []string{"plugin", "attribute", "phase", "outcome"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "scheduler_fired_total",
			Help: "Scheduled entries delivered.",
		}, []string{"key"}),
		runlevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "plugin_runlevel",
			Help: "1 for the current runlevel of each plugin, 0 otherwise.",
		}, []string{"plugin", "runlevel"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "startup_stalls_total",
			Help: "Plugins reported by the startup deadline check.",
		}, []string{"plugin", "code"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "outbound_messages_total",
			Help: "Messages handed to the outbox.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ticks, c.tickDuration, c.inbound, c.inboxDepth, c.deliveries, c.overflows,
		c.writes, c.fires, c.runlevels, c.stalls, c.published,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveTick records one loop iteration.
func (c *Collector) ObserveTick(d time.Duration, drained, remaining int) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
	c.inbound.Add(float64(drained))
	c.inboxDepth.Set(float64(remaining))
}

func (c *Collector) RecordDelivery(target string) {
	c.deliveries.WithLabelValues(target).Inc()
}

func (c *Collector) RecordOverflow() {
	c.overflows.Inc()
}

func (c *Collector) RecordWrite(plugin, attr string, phase state.Phase, outcome state.Outcome) {
	c.writes.WithLabelValues(plugin, attr, phase.String(), string(outcome)).Inc()
}

func (c *Collector) RecordFire(key string) {
	c.fires.WithLabelValues(key).Inc()
}

func (c *Collector) RecordPublish() {
	c.published.Inc()
}

// SetRunlevel moves the runlevel gauge of plugin to rl.
func (c *Collector) SetRunlevel(plugin string, rl runlevel.Runlevel) {
	for _, candidate := range runlevel.All {
		v := 0.0
		if candidate == rl {
			v = 1
		}
		c.runlevels.WithLabelValues(plugin, string(candidate)).Set(v)
	}
}

func (c *Collector) RecordStall(plugin, code string) {
	c.stalls.WithLabelValues(plugin, code).Inc()
}
