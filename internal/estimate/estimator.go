// Package estimate converts raw, bursty progress samples into a smoothed
// value plus a time-to-completion prediction with an advisory confidence
// score. It keeps a small per-entity history and nothing else; it never
// fails, falling back to per-kind baseline durations when the history is too
// short or the run has stalled.
package estimate

import (
	"math"
	"sync"
	"time"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

const (
	historyCap     = 10
	smoothingAlpha = 0.3

	// Confidence levels for the fallback branches. Velocity-based
	// predictions start above coldConfidence and grow with history length,
	// capped below certainty.
	coldConfidence    = 0.3
	stalledConfidence = 0.2
	maxConfidence     = 0.9

	defaultBaseline = 60 * time.Second
)

// Prediction is the advisory completion estimate for one entity. Confidence
// annotates the prediction, it never suppresses one.
type Prediction struct {
	CurrentProgress     float64        `json:"current_progress"`
	SmoothedProgress    float64        `json:"smoothed_progress"`
	PredictedCompletion *time.Time     `json:"predicted_completion,omitempty"`
	EstimatedTotal      *time.Duration `json:"estimated_total,omitempty"`
	Confidence          float64        `json:"confidence"`
}

type sample struct {
	at       time.Time
	progress float64
}

// Config controls estimator construction.
//   - Baselines: expected total duration per run-kind tag.
//   - DefaultBaseline: fallback for unknown kinds (default 60s).
//   - Clock: time source; injected for tests.
type Config struct {
	Baselines       map[string]time.Duration
	DefaultBaseline time.Duration
	Clock           run.Clock
}

// Estimator holds the per-entity sample histories. Safe for concurrent use.
type Estimator struct {
	mu        sync.Mutex
	histories map[string][]sample
	baselines map[string]time.Duration
	fallback  time.Duration
	clock     run.Clock
}

// New constructs an Estimator.
func New(cfg Config) *Estimator {
	fallback := cfg.DefaultBaseline
	if fallback <= 0 {
		fallback = defaultBaseline
	}
	baselines := make(map[string]time.Duration, len(cfg.Baselines))
	for kind, d := range cfg.Baselines {
		baselines[kind] = d
	}
	return &Estimator{
		histories: make(map[string][]sample),
		baselines: baselines,
		fallback:  fallback,
		clock:     cfg.Clock,
	}
}

// SetBaselines replaces the per-kind baseline table, e.g. after a config
// reload.
func (e *Estimator) SetBaselines(baselines map[string]time.Duration, fallback time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	table := make(map[string]time.Duration, len(baselines))
	for kind, d := range baselines {
		table[kind] = d
	}
	e.baselines = table
	if fallback > 0 {
		e.fallback = fallback
	}
}

// Update records a raw progress sample for the entity and returns the
// smoothed view plus a completion prediction. With fewer than two samples, or
// when no positive velocity can be computed, the per-kind baseline duration
// drives the estimate at reduced confidence.
func (e *Estimator) Update(id string, rawProgress float64, kind string) Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	raw := clamp(rawProgress)

	hist := append(e.histories[id], sample{at: now, progress: raw})
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	e.histories[id] = hist

	prev := raw
	if len(hist) > 1 {
		prev = hist[len(hist)-2].progress
	}
	smoothed := clamp(prev + smoothingAlpha*(raw-prev))

	pred := Prediction{
		CurrentProgress:  raw,
		SmoothedProgress: smoothed,
	}

	if len(hist) < 2 {
		e.baselinePrediction(&pred, now, smoothed, kind, coldConfidence)
		return pred
	}

	first, last := hist[0], hist[len(hist)-1]
	span := last.at.Sub(first.at)
	if span <= 0 {
		e.baselinePrediction(&pred, now, smoothed, kind, stalledConfidence)
		return pred
	}
	velocity := (last.progress - first.progress) / span.Seconds()
	if velocity <= 0 {
		e.baselinePrediction(&pred, now, smoothed, kind, stalledConfidence)
		return pred
	}

	remaining := time.Duration((100 - smoothed) / velocity * float64(time.Second))
	eta := now.Add(remaining)
	total := span + remaining
	pred.PredictedCompletion = &eta
	pred.EstimatedTotal = &total
	pred.Confidence = math.Min(coldConfidence+float64(len(hist))/10, maxConfidence)
	return pred
}

// Forget drops an entity's history, typically after its run is deleted.
func (e *Estimator) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.histories, id)
}

func (e *Estimator) baselinePrediction(pred *Prediction, now time.Time, smoothed float64, kind string, confidence float64) {
	baseline := e.fallback
	if d, ok := e.baselines[kind]; ok && d > 0 {
		baseline = d
	}
	remaining := time.Duration(float64(baseline) * (100 - smoothed) / 100)
	eta := now.Add(remaining)
	pred.PredictedCompletion = &eta
	pred.Confidence = confidence
}

func (e *Estimator) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now().UTC()
}

func clamp(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}
