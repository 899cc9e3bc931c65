package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter mirrors collector activity into Prometheus metrics. Labels use
// task names, not ids, to keep cardinality bounded.
type Exporter struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	resources  *prometheus.CounterVec
	events     *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewExporter registers the exporter's collectors on reg. A nil reg uses a
// fresh registry, which the caller can reach through Registry when it is
// a *prometheus.Registry.
func NewExporter(namespace string, reg prometheus.Registerer) (*Exporter, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e := &Exporter{
		reg: reg,
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_total",
				Help:      "Completed task executions by outcome.",
			},
			[]string{"task", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution time.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		resources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_executions_total",
				Help:      "Completed executions per resource id by outcome.",
			},
			[]string{"resource", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_events_total",
				Help:      "Task lifecycle transitions by event type.",
			},
			[]string{"type"},
		),
	}
	for _, c := range []prometheus.Collector{e.executions, e.duration, e.resources, e.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Registry returns the registerer when it can also gather, else nil.
func (e *Exporter) Registry() prometheus.Gatherer {
	if g, ok := e.reg.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}

func (e *Exporter) Observe(s Subject, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.executions.WithLabelValues(s.Name(), outcome).Inc()
	e.duration.WithLabelValues(s.Name()).Observe(d.Seconds())
	if r := s.ResourceID(); r != "" {
		e.resources.WithLabelValues(r, outcome).Inc()
	}
}

// CountEvent increments the lifecycle counter for typ.
func (e *Exporter) CountEvent(typ string) {
	e.events.WithLabelValues(typ).Inc()
}

// TrackGauges exposes live values sampled at scrape time.
func (e *Exporter) TrackGauges(namespace string, gauges map[string]func() float64) error {
	for name, fn := range gauges {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Sampled " + name + ".",
		}, fn)
		if err := e.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
