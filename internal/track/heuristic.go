package track

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/e3brown-rba/ikoma-tracker/internal/run"
)

// Interim progress computed from heuristic matches never reaches 100; only
// MarkCompleted or an explicit terminal keyword may report a finished run.
const interimProgressCap = 95

var (
	stepStartedRe = regexp.MustCompile(`(?i)(?:starting|beginning)\s+step\s+(\d+)|\bstep\s+(\d+)\s+start(?:ed|ing)`)
	stepDoneRe    = regexp.MustCompile(`(?i)\bstep\s+(\d+)\s+completed?\b|\bcompleted\s+step\s+(\d+)`)
	checkmarkRe   = regexp.MustCompile(`(?i)✓\s*step\s+(\d+):`)
	stepTokenRe   = regexp.MustCompile(`(?i)\bstep\b`)
	stepIndexRe   = regexp.MustCompile(`(?i)\bstep\s+(\d+)`)
)

// applyHeuristic inspects one raw output line, mutates the record in place,
// and returns the change set to broadcast. Branches are mutually exclusive
// and evaluated in a fixed order; reordering them changes which phase or step
// text wins, so the order is policy, not style. The progress recomputation at
// the end runs for whichever branch fired.
func (s *Store) applyHeuristic(rec *record, line string) run.Changes {
	changes := run.Changes{}
	lower := strings.ToLower(line)

	var phaseSet run.Phase
	stepsChanged := false

	switch {
	case stepStartedRe.MatchString(line):
		n := firstSubmatchInt(stepStartedRe, line)
		completed := n - 1
		if completed < 0 {
			completed = 0
		}
		stepsChanged = s.setSteps(rec, completed, changes)
		setCurrentStep(rec, fmt.Sprintf("Executing step %d", n), changes)

	case stepDoneRe.MatchString(line):
		n := firstSubmatchInt(stepDoneRe, line)
		stepsChanged = s.setSteps(rec, n, changes)
		setCurrentStep(rec, fmt.Sprintf("Completed step %d", n), changes)

	case checkmarkRe.MatchString(line):
		n := firstSubmatchInt(checkmarkRe, line)
		stepsChanged = s.setSteps(rec, n, changes)
		setCurrentStep(rec, fmt.Sprintf("Completed step %d", n), changes)

	case strings.Contains(lower, "planning your request") || strings.Contains(lower, "creating plan"):
		phaseSet = setPhase(rec, run.PhasePlanning, changes)
		setCurrentStep(rec, "Creating plan", changes)

	case strings.Contains(lower, "executing plan") || stepTokenRe.MatchString(line):
		phaseSet = setPhase(rec, run.PhaseExecuting, changes)
		if m := stepIndexRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				stepsChanged = s.setSteps(rec, n, changes)
			}
		}

	case strings.Contains(lower, "reflection") || strings.Contains(lower, "task completed"):
		phaseSet = setPhase(rec, run.PhaseReflecting, changes)
		setCurrentStep(rec, "Analyzing results", changes)

	case strings.Contains(lower, "completed") || strings.Contains(lower, "finished"):
		phaseSet = setPhase(rec, run.PhaseCompleted, changes)
		setCurrentStep(rec, "Demo completed", changes)
	}

	s.recomputeProgress(rec, phaseSet, stepsChanged, changes)
	return changes
}

// recomputeProgress derives the numeric progress from whichever change the
// heuristic produced. Phase wins over step counts when both moved this call.
func (s *Store) recomputeProgress(rec *record, phaseSet run.Phase, stepsChanged bool, changes run.Changes) {
	var p int
	switch {
	case phaseSet != "":
		p = phaseBaseProgress(phaseSet)
		if phaseSet == run.PhaseExecuting && rec.TotalSteps > 0 {
			p += int(float64(rec.StepsCompleted) / float64(rec.TotalSteps) * 60.0)
			if p > interimProgressCap {
				p = interimProgressCap
			}
		}
	case stepsChanged && rec.TotalSteps > 0:
		p = int(float64(rec.StepsCompleted) / float64(rec.TotalSteps) * 100.0)
		if p > interimProgressCap {
			p = interimProgressCap
		}
	default:
		return
	}
	p = run.ClampProgress(p)
	if p != rec.Progress {
		rec.Progress = p
		changes["progress"] = p
	}
}

func phaseBaseProgress(phase run.Phase) int {
	switch phase {
	case run.PhasePlanning:
		return 10
	case run.PhaseExecuting:
		return 70
	case run.PhaseReflecting:
		return 90
	case run.PhaseCompleted:
		return 100
	default:
		return 0
	}
}

// setSteps raises steps_completed to n, clamped to the known step total.
// Duplicate or out-of-order markers for an already-reached index are ignored
// so the counter never regresses.
func (s *Store) setSteps(rec *record, n int, changes run.Changes) bool {
	if rec.TotalSteps > 0 && n > rec.TotalSteps {
		n = rec.TotalSteps
	}
	if n <= rec.StepsCompleted {
		return false
	}
	rec.StepsCompleted = n
	changes["steps_completed"] = n
	return true
}

// setPhase records the phase a heuristic branch decided on. Assignment is
// unconditional: re-announcing the current phase still counts as a change so
// the progress recomputation keys off it, matching the source behavior.
func setPhase(rec *record, phase run.Phase, changes run.Changes) run.Phase {
	rec.Phase = phase
	changes["phase"] = phase
	return phase
}

func setCurrentStep(rec *record, step string, changes run.Changes) {
	rec.CurrentStep = step
	changes["current_step"] = step
}

// firstSubmatchInt returns the first non-empty capture group as an int. The
// step regexes carry alternations, so the index that matched varies.
func firstSubmatchInt(re *regexp.Regexp, line string) int {
	m := re.FindStringSubmatch(line)
	for _, group := range m[1:] {
		if group == "" {
			continue
		}
		if n, err := strconv.Atoi(group); err == nil {
			return n
		}
	}
	return 0
}
