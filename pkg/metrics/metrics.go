// Package metrics provides metrics collection capabilities for svckit services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors. All Record methods are safe to call
// on a nil *Metrics, which makes metrics optional for every component.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Lifecycle metrics
	ServiceState        *prometheus.GaugeVec
	ServiceRefCount     *prometheus.GaugeVec
	ServiceInFlight     *prometheus.GaugeVec
	ServiceTransitions  *prometheus.CounterVec
	ServiceStartFailure *prometheus.CounterVec
	ServiceStopFailure  *prometheus.CounterVec
	Interventions       *prometheus.CounterVec

	// Work metrics
	WorkCount    *prometheus.CounterVec
	WorkDuration *prometheus.CounterVec
	WorkRolls    *prometheus.CounterVec

	// HTTP metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight prometheus.Gauge
	ErrorCount      *prometheus.CounterVec
	ProcessUptime   prometheus.Gauge
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "svckit",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		ServiceState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "state",
				Help:      "Current lifecycle state (0=STOPPED 1=STARTING 2=RUNNING 3=STOPPING 4=STOP_FAILED)",
			},
			[]string{"service"},
		),

		ServiceRefCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "ref_count",
				Help:      "Outstanding start checkouts of the service",
			},
			[]string{"service"},
		),

		ServiceInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "in_flight",
				Help:      "Units of graceful work currently executing",
			},
			[]string{"service"},
		),

		ServiceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "transitions_total",
				Help:      "Total number of state transitions by target state",
			},
			[]string{"service", "state"},
		),

		ServiceStartFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "start_failures_total",
				Help:      "Total number of failed start sequences",
			},
			[]string{"service"},
		),

		ServiceStopFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "stop_failures_total",
				Help:      "Total number of stop sequences ending in STOP_FAILED",
			},
			[]string{"service"},
		),

		Interventions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "interventions_total",
				Help:      "Total number of intervention requests raised",
			},
			[]string{"service"},
		),

		WorkCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "work",
				Name:      "total",
				Help:      "Total number of monitored work units by outcome",
			},
			[]string{"source", "work", "outcome"},
		),

		WorkDuration: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "work",
				Name:      "duration_seconds_total",
				Help:      "Accumulated duration of monitored work units by outcome",
			},
			[]string{"source", "work", "outcome"},
		),

		WorkRolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "work",
				Name:      "rolls_total",
				Help:      "Total number of work record collections rolled and published",
			},
			[]string{"source"},
		),

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RequestInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "code"},
		),

		ProcessUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
		),
	}

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the uptime metric until done is closed.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	if m == nil {
		return
	}
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ProcessUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				return
			}
		}
	}()
}

// RecordServiceState records the current lifecycle state of a service.
func (m *Metrics) RecordServiceState(service string, state int, stateName string) {
	if m == nil {
		return
	}
	m.ServiceState.WithLabelValues(service).Set(float64(state))
	m.ServiceTransitions.WithLabelValues(service, stateName).Inc()
}

// RecordRefCount records the current reference count of a service.
func (m *Metrics) RecordRefCount(service string, refCount int) {
	if m == nil {
		return
	}
	m.ServiceRefCount.WithLabelValues(service).Set(float64(refCount))
}

// RecordInFlight records the number of in-flight work units of a service.
func (m *Metrics) RecordInFlight(service string, inFlight int) {
	if m == nil {
		return
	}
	m.ServiceInFlight.WithLabelValues(service).Set(float64(inFlight))
}

// RecordStartFailure records a failed start sequence.
func (m *Metrics) RecordStartFailure(service string) {
	if m == nil {
		return
	}
	m.ServiceStartFailure.WithLabelValues(service).Inc()
}

// RecordStopFailure records a stop sequence that ended in STOP_FAILED.
func (m *Metrics) RecordStopFailure(service string) {
	if m == nil {
		return
	}
	m.ServiceStopFailure.WithLabelValues(service).Inc()
}

// RecordIntervention records an intervention request.
func (m *Metrics) RecordIntervention(service string) {
	if m == nil {
		return
	}
	m.Interventions.WithLabelValues(service).Inc()
}

// RecordWork adds rolled-up work counts and durations for one work name.
func (m *Metrics) RecordWork(source, work, outcome string, count int64, duration time.Duration) {
	if m == nil || count == 0 {
		return
	}
	m.WorkCount.WithLabelValues(source, work, outcome).Add(float64(count))
	m.WorkDuration.WithLabelValues(source, work, outcome).Add(duration.Seconds())
}

// RecordWorkRoll records that a work record collection was rolled.
func (m *Metrics) RecordWorkRoll(source string) {
	if m == nil {
		return
	}
	m.WorkRolls.WithLabelValues(source).Inc()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(errorType, errorCode string) {
	if m == nil {
		return
	}
	m.ErrorCount.WithLabelValues(errorType, errorCode).Inc()
}
