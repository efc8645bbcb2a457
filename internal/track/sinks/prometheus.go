package sinks

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

// PrometheusSink exports run-state metrics. It owns the collectors for
// terminal transitions, phase transitions, and per-run progress.
type PrometheusSink struct {
	runsFinished     *prometheus.CounterVec
	phaseTransitions *prometheus.CounterVec
	runProgress      *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_runs_finished_total",
			Help: "Runs that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_phase_transitions_total",
			Help: "Phase values observed on change broadcasts.",
		}, []string{"phase"}),
		runProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_run_progress",
			Help: "Latest reported progress per run, 0-100.",
		}, []string{"run_id"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsFinished,
		s.phaseTransitions,
		s.runProgress,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register tracker collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from one change broadcast. Register it via
// store.Subscribe. Deleted runs drop their progress series to keep the label
// space bounded by live runs.
func (s *PrometheusSink) Consume(id string, changes run.Changes) {
	if status, ok := changes["status"].(run.Status); ok {
		switch status {
		case run.StatusCompleted, run.StatusError, run.StatusStopped:
			s.runsFinished.WithLabelValues(string(status)).Inc()
		case run.StatusDeleted:
			s.runProgress.DeleteLabelValues(id)
		}
	}
	if phase, ok := changes["phase"].(run.Phase); ok {
		s.phaseTransitions.WithLabelValues(string(phase)).Inc()
	}
	if progress, ok := changes["progress"].(int); ok {
		s.runProgress.WithLabelValues(id).Set(float64(progress))
	}
}

// statusCounter is the minimal store view the status gauges need.
type statusCounter interface {
	CountByStatus(status run.Status) int
}

// statusCollector exposes live run counts per status by polling the store at
// scrape time instead of tracking deltas from broadcasts (creation is not
// broadcast, so a delta-based gauge would drift).
type statusCollector struct {
	store statusCounter
	desc  *prometheus.Desc
}

// RegisterStatusGauges registers a collector reporting tracker_runs per
// status, computed from the store on every scrape.
func RegisterStatusGauges(reg prometheus.Registerer, store statusCounter) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &statusCollector{
		store: store,
		desc: prometheus.NewDesc(
			"tracker_runs",
			"Live runs partitioned by status.",
			[]string{"status"},
			nil,
		),
	}
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("register status collector: %w", err)
	}
	return nil
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, status := range run.Statuses() {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(c.store.CountByStatus(status)),
			string(status),
		)
	}
}
