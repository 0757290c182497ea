// Package metrics exposes the service's Prometheus collectors and adapts them
// to the observer hooks of the billing, usage and scheduler packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
	"github.com/dmitrymomot/meterkit/pkg/usage"
)

const namespace = "meterkit"

var (
	_ billing.WebhookObserver = (*Metrics)(nil)
	_ usage.Observer          = (*Metrics)(nil)
	_ scheduler.Observer      = (*Metrics)(nil)
)

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing
	WebhookEventsTotal *prometheus.CounterVec

	// Usage
	QuotaDecisionsTotal *prometheus.CounterVec

	// Scheduler
	TasksTotal    *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SweepClaimed  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Billing webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Token consumption requests by plan and decision",
			},
			[]string{"plan", "decision"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_tasks_total",
				Help:      "Executed scheduler tasks by type and outcome",
			},
			[]string{"task_type", "outcome"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_sweep_duration_seconds",
				Help:      "Duration of scheduler sweeps",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
			},
		),
		SweepClaimed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_sweep_claimed_tasks",
				Help:      "Tasks claimed by the last sweep",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.QuotaDecisionsTotal,
		m.TasksTotal,
		m.SweepDuration,
		m.SweepClaimed,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one served request. route should be the route
// pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) EventProcessed(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) QuotaChecked(plan string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.QuotaDecisionsTotal.WithLabelValues(plan, decision).Inc()
}

func (m *Metrics) TaskFinished(taskType, outcome string) {
	m.TasksTotal.WithLabelValues(taskType, outcome).Inc()
}

func (m *Metrics) SweepFinished(d time.Duration, res scheduler.SweepResult) {
	m.SweepDuration.Observe(d.Seconds())
	m.SweepClaimed.Set(float64(res.Claimed))
}
