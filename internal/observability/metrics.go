// Package observability exposes scheduler state to operators: prometheus
// metrics and a small authenticated HTTP ops server.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/scheduler"
)

const namespace = "jobrunner"

// StatsSource is the read side of the scheduler.
type StatsSource interface {
	Stats() scheduler.Stats
	InFlight() int
}

// Metrics turns scheduler snapshots and job events into prometheus series.
//
// Gauges are computed at scrape time from StatsSource. Counters and the
// duration histogram are fed by Consume.
type Metrics struct {
	reg *prometheus.Registry
	src StatsSource
	bus eventbus.Bus

	runs     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	duration *prometheus.HistogramVec

	jobsDesc      *prometheus.Desc
	scheduledDesc *prometheus.Desc
	runningDesc   *prometheus.Desc
	inflightDesc  *prometheus.Desc
	droppedDesc   *prometheus.Desc

	events <-chan eventbus.Event
	unsub  func()
}

// NewMetrics registers all series on a private registry and subscribes to
// bus. Call Consume to feed the counters.
func NewMetrics(src StatsSource, bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		src: src,
		bus: bus,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished handler runs by job name and outcome.",
		}, []string{"name", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled after a one-shot failure.",
		}, []string{"name"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Recurring triggers dropped because the job was still running.",
		}, []string{"name"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Handler run duration.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"name"}),
		jobsDesc:      prometheus.NewDesc(namespace+"_jobs", "Registered jobs.", nil, nil),
		scheduledDesc: prometheus.NewDesc(namespace+"_jobs_scheduled", "Registered recurring jobs.", nil, nil),
		runningDesc:   prometheus.NewDesc(namespace+"_jobs_running", "Jobs with at least one run in flight.", nil, nil),
		inflightDesc:  prometheus.NewDesc(namespace+"_runs_in_flight", "Handler runs currently executing.", nil, nil),
		droppedDesc:   prometheus.NewDesc(namespace+"_bus_dropped_events_total", "Events dropped by slow bus subscribers.", nil, nil),
	}
	m.reg.MustRegister(m.runs, m.retries, m.skipped, m.duration, m)
	if bus != nil {
		m.events, m.unsub = bus.Subscribe(512,
			scheduler.EventSucceeded,
			scheduler.EventFailed,
			scheduler.EventExhausted,
			scheduler.EventRetryScheduled,
			scheduler.EventSkipped,
		)
	}
	return m
}

// Registry returns the registry to serve from.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Describe implements prometheus.Collector for the scrape-time gauges.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.jobsDesc
	ch <- m.scheduledDesc
	ch <- m.runningDesc
	ch <- m.inflightDesc
	ch <- m.droppedDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.src != nil {
		st := m.src.Stats()
		running := 0
		for _, j := range st.Jobs {
			if j.Running {
				running++
			}
		}
		ch <- prometheus.MustNewConstMetric(m.jobsDesc, prometheus.GaugeValue, float64(st.TotalJobs))
		ch <- prometheus.MustNewConstMetric(m.scheduledDesc, prometheus.GaugeValue, float64(st.ScheduledJobs))
		ch <- prometheus.MustNewConstMetric(m.runningDesc, prometheus.GaugeValue, float64(running))
		ch <- prometheus.MustNewConstMetric(m.inflightDesc, prometheus.GaugeValue, float64(m.src.InFlight()))
	}
	if m.bus != nil {
		ch <- prometheus.MustNewConstMetric(m.droppedDesc, prometheus.CounterValue, float64(m.bus.Dropped()))
	}
}

// Consume feeds counters from the bus until ctx is done.
func (m *Metrics) Consume(ctx context.Context) error {
	if m.events == nil {
		<-ctx.Done()
		return nil
	}
	defer m.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-m.events:
			if !ok {
				return nil
			}
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e eventbus.Event) {
	je, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	switch e.Type {
	case scheduler.EventSucceeded:
		m.runs.WithLabelValues(je.Name, "succeeded").Inc()
		m.duration.WithLabelValues(je.Name).Observe(je.Duration.Seconds())
	case scheduler.EventFailed:
		m.runs.WithLabelValues(je.Name, "failed").Inc()
		m.duration.WithLabelValues(je.Name).Observe(je.Duration.Seconds())
	case scheduler.EventExhausted:
		// The final failure is already counted under "failed".
		m.runs.WithLabelValues(je.Name, "exhausted").Inc()
	case scheduler.EventRetryScheduled:
		m.retries.WithLabelValues(je.Name).Inc()
	case scheduler.EventSkipped:
		m.skipped.WithLabelValues(je.Name).Inc()
	}
}
