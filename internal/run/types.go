// Package run defines the shared run-state model: status and phase enums,
// the snapshot record, and the field-change map broadcast to subscribers.
package run

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a run. The string values are wire format;
// they appear verbatim in JSON payloads and change broadcasts.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
	StatusDeleted   Status = "deleted"
)

// Statuses returns every status in a fixed order, for stats and metrics
// enumeration.
func Statuses() []Status {
	return []Status{
		StatusIdle,
		StatusRunning,
		StatusCompleted,
		StatusError,
		StatusStopped,
		StatusDeleted,
	}
}

// ParseStatus validates a wire-format status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusIdle, StatusRunning, StatusCompleted, StatusError, StatusStopped, StatusDeleted:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Phase is the coarse position of a run inside the agent loop.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseReflecting   Phase = "reflecting"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// ParsePhase validates a wire-format phase string.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseInitializing, PhasePlanning, PhaseExecuting, PhaseReflecting, PhaseCompleted, PhaseError:
		return Phase(s), nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// PlanStep is one entry of an agent's declared plan.
type PlanStep struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Plan is a versioned step list. The store bumps Version on every replan so
// consumers can discard stale plan views.
type Plan struct {
	Version int        `json:"version"`
	Steps   []PlanStep `json:"steps"`
}

// Clone returns a deep copy, or nil for a nil plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Version: p.Version}
	if p.Steps != nil {
		out.Steps = make([]PlanStep, len(p.Steps))
		copy(out.Steps, p.Steps)
	}
	return out
}

// Record is the snapshot view of one tracked run. Instances returned by the
// store are detached copies; mutating them does not touch store state.
type Record struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	Status         Status     `json:"status"`
	Phase          Phase      `json:"phase"`
	CurrentStep    string     `json:"current_step"`
	Progress       int        `json:"progress"`
	StepsCompleted int        `json:"steps_completed"`
	TotalSteps     int        `json:"total_steps"`
	Output         []string   `json:"output"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Goal           string     `json:"goal,omitempty"`
	Duration       string     `json:"duration"`
	Plan           *Plan      `json:"plan,omitempty"`
	LastActivity   time.Time  `json:"last_activity"`
}

// Changes maps snapshot field names to their new values. Keys match the
// Record JSON tags so subscribers can forward them unchanged.
type Changes map[string]any

// Clock abstracts the time source so stores and estimators are testable with
// a fake.
type Clock interface {
	Now() time.Time
}

// ClampProgress bounds a progress value to the 0-100 range.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
