// Package track owns the authoritative in-memory state of every tracked agent
// run. It turns raw worker output lines into structured field changes,
// applies them under a single store lock, and fans each change set out to
// registered subscribers with per-callback failure isolation.
package track

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

// Sentinel errors surfaced by the read/create paths. All other mutations
// treat unknown ids as silent no-ops: workers may emit trailing output after
// a run was deleted, and that must never crash the ingesting caller.
var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
)

const defaultOutputTail = 50

// Subscriber receives the id and field-change map for every broadcast. It is
// invoked synchronously under the store lock, so callbacks must return
// promptly; a panicking callback is recovered and logged without affecting
// the other subscribers or store state.
type Subscriber func(id string, changes run.Changes)

// Config controls store construction.
//   - OutputTail: number of output lines exposed on snapshots (default 50).
//   - DefaultSteps: expected step count for unknown run kinds (default 5).
//   - KindSteps: expected step counts per run-kind tag.
//   - Clock: time source (defaults to time.Now UTC via the caller's wiring).
//   - Logger: used for subscriber failure warnings.
type Config struct {
	OutputTail   int
	DefaultSteps int
	KindSteps    map[string]int
	Clock        run.Clock
	Logger       *zap.Logger
}

// Store is the concurrency-safe run registry. A single mutex guards the
// record map and subscriber list; operations are short and never block on I/O
// while holding it, so coarse locking keeps per-entity ordering trivially
// correct.
type Store struct {
	mu           sync.Mutex
	records      map[string]*record
	subscribers  []Subscriber
	kindSteps    map[string]int
	defaultSteps int
	outputTail   int
	clock        run.Clock
	logger       *zap.Logger
}

// record wraps the exposed snapshot fields with the full append-only output
// history; snapshots only ever surface the most recent tail.
type record struct {
	run.Record
	output []string
}

// New constructs a Store.
func New(cfg Config) *Store {
	if cfg.OutputTail <= 0 {
		cfg.OutputTail = defaultOutputTail
	}
	if cfg.DefaultSteps <= 0 {
		cfg.DefaultSteps = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	steps := make(map[string]int, len(cfg.KindSteps))
	for kind, n := range cfg.KindSteps {
		steps[kind] = n
	}
	return &Store{
		records:      make(map[string]*record),
		kindSteps:    steps,
		defaultSteps: cfg.DefaultSteps,
		outputTail:   cfg.OutputTail,
		clock:        cfg.Clock,
		logger:       logger,
	}
}

// SetKindProfiles replaces the kind-to-step-count table, e.g. after a config
// reload. Existing records keep the totals they were created with.
func (s *Store) SetKindProfiles(kindSteps map[string]int, defaultSteps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make(map[string]int, len(kindSteps))
	for kind, n := range kindSteps {
		steps[kind] = n
	}
	s.kindSteps = steps
	if defaultSteps > 0 {
		s.defaultSteps = defaultSteps
	}
}

// Subscribe registers an observer for every future broadcast. There is no
// unsubscribe; the list lives as long as the store.
func (s *Store) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Create registers a new run in running state. The expected step total is
// derived from the kind tag. Creation is not broadcast; subscribers only see
// subsequent changes.
func (s *Store) Create(id, name, kind string) (run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return run.Record{}, ErrAlreadyExists
	}
	now := s.now()
	rec := &record{
		Record: run.Record{
			ID:           id,
			Name:         name,
			Kind:         kind,
			Status:       run.StatusRunning,
			Phase:        run.PhaseInitializing,
			TotalSteps:   s.stepsForKind(kind),
			StartTime:    now,
			LastActivity: now,
		},
	}
	s.records[id] = rec
	return s.snapshot(rec), nil
}

// Get returns a detached snapshot or ErrNotFound.
func (s *Store) Get(id string) (run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return run.Record{}, ErrNotFound
	}
	return s.snapshot(rec), nil
}

// List returns snapshots of every live run ordered by start time, then id.
func (s *Store) List() []run.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.snapshot(rec))
	}
	sortRecords(out)
	return out
}

// ListRunning returns snapshots of runs currently in running status.
func (s *Store) ListRunning() []run.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Status == run.StatusRunning {
			out = append(out, s.snapshot(rec))
		}
	}
	sortRecords(out)
	return out
}

// CountByStatus reports how many live runs carry the given status.
func (s *Store) CountByStatus(status run.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.Status == status {
			count++
		}
	}
	return count
}

// Ingest consumes one raw output line for a run. The line is appended to the
// output history, the heuristic derives field changes, and a non-empty change
// set is broadcast. Unknown ids are ignored.
func (s *Store) Ingest(id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.output = append(rec.output, line)
	rec.LastActivity = s.now()
	changes := s.applyHeuristic(rec, line)
	if len(changes) > 0 {
		s.broadcastLocked(id, changes)
	}
}

// Update applies a generic partial update. Only known snapshot fields are
// accepted; unknown names and values of the wrong kind are skipped. Unknown
// ids are ignored.
func (s *Store) Update(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	changes := run.Changes{}
	for name, value := range fields {
		s.applyField(rec, name, value, changes)
	}
	if len(changes) == 0 {
		return
	}
	rec.LastActivity = s.now()
	s.broadcastLocked(id, changes)
}

// MarkCompleted transitions a run to its terminal success state. This is the
// only path (besides an explicit terminal keyword) that reports 100 percent.
func (s *Store) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	changes := s.finishLocked(rec, run.StatusCompleted, run.PhaseCompleted)
	rec.Progress = 100
	changes["progress"] = 100
	s.broadcastLocked(id, changes)
}

// MarkError transitions a run to its terminal error state with a message.
func (s *Store) MarkError(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	if message == "" {
		message = "unspecified error"
	}
	changes := s.finishLocked(rec, run.StatusError, run.PhaseError)
	rec.ErrorMessage = message
	changes["error_message"] = message
	s.broadcastLocked(id, changes)
}

// Delete removes a run and reports whether it existed. A final
// {"status": "deleted"} change is broadcast so delivery layers can drop the
// entry without polling.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	s.broadcastLocked(id, run.Changes{"status": run.StatusDeleted})
	delete(s.records, id)
	return true
}

// finishLocked applies the shared terminal-state bookkeeping and returns the
// accumulated change set for the caller to extend.
func (s *Store) finishLocked(rec *record, status run.Status, phase run.Phase) run.Changes {
	now := s.now()
	rec.Status = status
	rec.Phase = phase
	rec.EndTime = &now
	rec.Duration = formatDuration(now.Sub(rec.StartTime))
	rec.LastActivity = now
	return run.Changes{
		"status":   status,
		"phase":    phase,
		"end_time": now,
		"duration": rec.Duration,
	}
}

// applyField validates one generic update. Numeric fields coerce from any Go
// numeric type since JSON decoding produces float64; anything else for a
// numeric field is dropped, matching the silent-no-op posture of the rest of
// the mutation API.
func (s *Store) applyField(rec *record, name string, value any, changes run.Changes) {
	switch name {
	case "name":
		if v, ok := value.(string); ok && v != rec.Name {
			rec.Name = v
			changes["name"] = v
		}
	case "goal":
		if v, ok := value.(string); ok && v != rec.Goal {
			rec.Goal = v
			changes["goal"] = v
		}
	case "current_step":
		if v, ok := value.(string); ok && v != rec.CurrentStep {
			rec.CurrentStep = v
			changes["current_step"] = v
		}
	case "error_message":
		if v, ok := value.(string); ok && v != rec.ErrorMessage {
			rec.ErrorMessage = v
			changes["error_message"] = v
		}
	case "progress":
		if v, ok := coerceInt(value); ok {
			v = run.ClampProgress(v)
			if v != rec.Progress {
				rec.Progress = v
				changes["progress"] = v
			}
		}
	case "steps_completed":
		if v, ok := coerceInt(value); ok {
			s.setSteps(rec, v, changes)
		}
	case "total_steps":
		if v, ok := coerceInt(value); ok && v >= 0 && v != rec.TotalSteps {
			rec.TotalSteps = v
			if rec.TotalSteps > 0 && rec.StepsCompleted > rec.TotalSteps {
				rec.StepsCompleted = rec.TotalSteps
				changes["steps_completed"] = rec.StepsCompleted
			}
			changes["total_steps"] = v
		}
	case "status":
		v, ok := value.(string)
		if !ok {
			return
		}
		status, err := run.ParseStatus(v)
		if err != nil || status == rec.Status {
			return
		}
		switch status {
		case run.StatusCompleted:
			for k, val := range s.finishLocked(rec, run.StatusCompleted, run.PhaseCompleted) {
				changes[k] = val
			}
			rec.Progress = 100
			changes["progress"] = 100
		case run.StatusError:
			for k, val := range s.finishLocked(rec, run.StatusError, run.PhaseError) {
				changes[k] = val
			}
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = "unspecified error"
				changes["error_message"] = rec.ErrorMessage
			}
		default:
			rec.Status = status
			changes["status"] = status
		}
	case "phase":
		v, ok := value.(string)
		if !ok {
			return
		}
		phase, err := run.ParsePhase(v)
		if err != nil || phase == rec.Phase {
			return
		}
		rec.Phase = phase
		changes["phase"] = phase
	case "plan":
		plan, ok := coercePlan(value)
		if !ok {
			return
		}
		version := 1
		if rec.Plan != nil {
			version = rec.Plan.Version + 1
		}
		plan.Version = version
		rec.Plan = plan
		changes["plan"] = plan.Clone()
	}
}

// broadcastLocked delivers one change set to every subscriber while holding
// the store lock. Each callback runs inside its own recover boundary so a
// failing observer cannot starve the others or corrupt store state.
func (s *Store) broadcastLocked(id string, changes run.Changes) {
	for _, fn := range s.subscribers {
		s.notify(fn, id, changes)
	}
}

func (s *Store) notify(fn Subscriber, id string, changes run.Changes) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("run subscriber panicked",
				zap.String("run_id", id),
				zap.Any("panic", r),
			)
		}
	}()
	fn(id, changes)
}

// snapshot copies a record for external consumption: bounded output tail,
// cloned plan, and a freshly computed elapsed duration for live runs.
func (s *Store) snapshot(rec *record) run.Record {
	out := rec.Record
	out.Plan = rec.Plan.Clone()
	tail := rec.output
	if len(tail) > s.outputTail {
		tail = tail[len(tail)-s.outputTail:]
	}
	out.Output = make([]string, len(tail))
	copy(out.Output, tail)
	if rec.EndTime == nil {
		out.Duration = formatDuration(s.now().Sub(rec.StartTime))
	} else {
		end := *rec.EndTime
		out.EndTime = &end
	}
	return out
}

func (s *Store) stepsForKind(kind string) int {
	if n, ok := s.kindSteps[kind]; ok && n > 0 {
		return n
	}
	return s.defaultSteps
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func sortRecords(records []run.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartTime.Equal(records[j].StartTime) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartTime.Before(records[j].StartTime)
	})
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func coerceInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func coercePlan(value any) (*run.Plan, bool) {
	switch v := value.(type) {
	case *run.Plan:
		if v == nil {
			return nil, false
		}
		return v.Clone(), true
	case run.Plan:
		return v.Clone(), true
	default:
		return nil, false
	}
}
