package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for a pipeline.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TasksInFlight   prometheus.Gauge
	StageDuration   *prometheus.HistogramVec
	LookupsTotal    *prometheus.CounterVec
	CommitConflicts prometheus.Counter
}

// NewMetrics creates the pipeline metrics and registers them with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelf_import_tasks_total",
				Help: "Total number of finished import tasks",
			},
			[]string{"state", "stage"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shelf_import_tasks_in_flight",
				Help: "Number of admitted import tasks not yet finished",
			},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shelf_import_stage_duration_seconds",
				Help:    "Duration of import stages in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		LookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelf_provider_lookups_total",
				Help: "Total number of provider lookup attempts",
			},
			[]string{"provider", "outcome"},
		),
		CommitConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shelf_import_commit_conflicts_total",
				Help: "Total number of import commits which conflicted with another and were retried",
			},
		),
	}
}

func (m *Metrics) observeStage(stage Stage, took time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage.String()).Observe(took.Seconds())
}

func (m *Metrics) recordLookup(provider, outcome string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) recordTask(t *Task) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(t.State.String(), t.Stage.String()).Inc()
}
