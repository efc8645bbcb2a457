// Package sinks provides ready-made store subscribers: structured logging
// for debugging change streams and Prometheus collectors for dashboards.
package sinks

import (
	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

// LogSink mirrors every broadcast change set as structured logs. Useful
// during development or audits where no dashboard is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the subscriber interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs one change broadcast. Register it via store.Subscribe.
func (s *LogSink) Consume(id string, changes run.Changes) {
	s.logger.Info("run state changed",
		zap.String("run_id", id),
		zap.Any("changes", changes),
	)
}
