// Package telemetry exposes Prometheus metrics for the daemon. Every metric
// variable starts as a no-op so packages can record unconditionally; InitMetrics
// swaps in real collectors when Prometheus is enabled.
package telemetry

import (
	"net/http"

	"github.com/maxpert/livesync/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "livesync"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// Labeled variants
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Sub(float64)     {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ vec *prometheus.CounterVec }
type gaugeVec struct{ vec *prometheus.GaugeVec }
type histogramVec struct{ vec *prometheus.HistogramVec }

func (c counterVec) With(values ...string) Counter     { return c.vec.WithLabelValues(values...) }
func (g gaugeVec) With(values ...string) Gauge         { return g.vec.WithLabelValues(values...) }
func (h histogramVec) With(values ...string) Histogram { return h.vec.WithLabelValues(values...) }

// metricOpts carries the fields shared by every collector. Subsystem groups
// metrics by component: socket, mux, resource or mirror.
type metricOpts struct {
	subsystem string
	name      string
	help      string
}

func (o metricOpts) labels() prometheus.Labels {
	return prometheus.Labels{"client_id": cfg.Config.ClientID}
}

func (o metricOpts) counter() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   o.subsystem,
		Name:        o.name,
		Help:        o.help,
		ConstLabels: o.labels(),
	}
}

func (o metricOpts) gauge() prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   o.subsystem,
		Name:        o.name,
		Help:        o.help,
		ConstLabels: o.labels(),
	}
}

func (o metricOpts) histogram(buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   o.subsystem,
		Name:        o.name,
		Help:        o.help,
		Buckets:     buckets,
		ConstLabels: o.labels(),
	}
}

func NewCounter(subsystem, name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(metricOpts{subsystem, name, help}.counter())
	registry.MustRegister(c)
	return c
}

func NewGauge(subsystem, name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(metricOpts{subsystem, name, help}.gauge())
	registry.MustRegister(g)
	return g
}

// NewHistogram uses the Prometheus default buckets when buckets is nil
func NewHistogram(subsystem, name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	h := prometheus.NewHistogram(metricOpts{subsystem, name, help}.histogram(buckets))
	registry.MustRegister(h)
	return h
}

func NewCounterVec(subsystem, name, help string, labels ...string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := prometheus.NewCounterVec(metricOpts{subsystem, name, help}.counter(), labels)
	registry.MustRegister(vec)
	return counterVec{vec}
}

func NewGaugeVec(subsystem, name, help string, labels ...string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	vec := prometheus.NewGaugeVec(metricOpts{subsystem, name, help}.gauge(), labels)
	registry.MustRegister(vec)
	return gaugeVec{vec}
}

func NewHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	vec := prometheus.NewHistogramVec(metricOpts{subsystem, name, help}.histogram(buckets), labels)
	registry.MustRegister(vec)
	return histogramVec{vec}
}

// InitializeTelemetry creates the registry when Prometheus is enabled.
// Constructors called before this return no-op metrics.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled - served on the admin port at /metrics")
}

// GetMetricsHandler returns nil when Prometheus is disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
