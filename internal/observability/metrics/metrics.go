// Package metrics exports cronrelay's Prometheus metrics.
//
// Job tick metrics are fed from the event bus, so the scheduler and engine
// never import this package.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/jobs"
	"cronrelay/internal/task/engine"
	logx "cronrelay/pkg/logx"
)

const namespace = "cronrelay"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	tickAttempts *prometheus.HistogramVec
	jobEvents    *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Sources are read at scrape time.
type Sources struct {
	RegisteredJobs func() int
	BusDropped     func() uint64
}

func New(src Sources, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_ticks_total",
			Help:      "Job invocations by job, trigger (schedule|manual) and outcome (ok|failed).",
		}, []string{"job", "trigger", "outcome"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_tick_duration_seconds",
			Help:      "Wall time of a job invocation including retries.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"trigger", "outcome"}),
		tickAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_tick_attempts",
			Help:      "Attempts used per job invocation.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"trigger"}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_lifecycle_events_total",
			Help:      "Registry changes by type (scheduled|updated|deleted|expired).",
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route template, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.tickAttempts, m.jobEvents, m.httpRequests, m.httpDuration,
	)
	if src.RegisteredJobs != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Jobs currently in the registry.",
		}, func() float64 { return float64(src.RegisteredJobs()) }))
	}
	if src.BusDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveRequest implements httpapi.Observer.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// Consume applies bus events until ctx is done or the subscription closes.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256, "task.finished", "task.failed", "job.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.apply(e)
		}
	}
}

func (m *Metrics) apply(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskFinished, eventbus.TaskFailed:
		ev, ok := e.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		outcome := "ok"
		if e.Type == eventbus.TaskFailed {
			outcome = "failed"
		}
		m.ticks.WithLabelValues(ev.Name, ev.Trigger, outcome).Inc()
		m.tickDuration.WithLabelValues(ev.Trigger, outcome).Observe(ev.Duration.Seconds())
		m.tickAttempts.WithLabelValues(ev.Trigger).Observe(float64(ev.Attempts))
	case eventbus.JobScheduled, eventbus.JobUpdated, eventbus.JobDeleted, eventbus.JobExpired:
		m.jobEvents.WithLabelValues(e.Type[len("job."):]).Inc()
		if e.Type == eventbus.JobDeleted || e.Type == eventbus.JobExpired {
			// drop per-job series so removed names don't accumulate
			if info, ok := e.Data.(jobs.JobInfo); ok {
				n := m.ticks.DeletePartialMatch(prometheus.Labels{"job": info.Name})
				m.log.Trace("job series dropped", logx.String("job", info.Name), logx.Int("series", n))
			}
		}
	}
}
