package run

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, status := range Statuses() {
		parsed, err := ParseStatus(string(status))
		require.NoError(t, err)
		require.Equal(t, status, parsed)
	}

	_, err := ParseStatus("paused")
	require.Error(t, err)
	_, err = ParseStatus("")
	require.Error(t, err)
}

func TestParsePhase(t *testing.T) {
	t.Parallel()

	for _, phase := range []Phase{
		PhaseInitializing, PhasePlanning, PhaseExecuting,
		PhaseReflecting, PhaseCompleted, PhaseError,
	} {
		parsed, err := ParsePhase(string(phase))
		require.NoError(t, err)
		require.Equal(t, phase, parsed)
	}

	_, err := ParsePhase("thinking")
	require.Error(t, err)
}

func TestPlanCloneIsDeep(t *testing.T) {
	t.Parallel()

	var nilPlan *Plan
	require.Nil(t, nilPlan.Clone())

	plan := &Plan{Version: 2, Steps: []PlanStep{
		{Index: 1, Description: "write file", Done: true},
		{Index: 2, Description: "verify"},
	}}
	clone := plan.Clone()
	require.Equal(t, plan, clone)

	clone.Steps[0].Description = "mutated"
	require.Equal(t, "write file", plan.Steps[0].Description)
}

func TestClampProgress(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, ClampProgress(-1))
	require.Equal(t, 0, ClampProgress(0))
	require.Equal(t, 55, ClampProgress(55))
	require.Equal(t, 100, ClampProgress(100))
	require.Equal(t, 100, ClampProgress(187))
}
