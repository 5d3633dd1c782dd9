package tune

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allStates() []State {
	return []State{
		StateDispatch, StateAwaitCompletion, StateEvaluate, StateGenerateFix, StateValidate,
		StateApply, StatePush, StateEscalateToBundle, StateDoneSuccess, StateDoneFailure, StateDoneAborted,
	}
}

func TestTransitionTableCompleteness(t *testing.T) {
	for _, s := range allStates() {
		_, ok := validTransitions[s]
		assert.True(t, ok, "state %s missing from transition table", s)
		if s.IsTerminal() {
			assert.Empty(t, ValidNextStates(s), "terminal state %s has outgoing transitions", s)
			continue
		}
		assert.True(t, IsValidTransition(s, StateDoneAborted), "%s cannot abort", s)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDispatch, StateAwaitCompletion, true},
		{StateEvaluate, StateDoneSuccess, true},
		{StateEvaluate, StateGenerateFix, true},
		{StateValidate, StateEscalateToBundle, true},
		{StateApply, StateEscalateToBundle, true},
		{StatePush, StateDispatch, true},
		{StateEscalateToBundle, StateEvaluate, true},
		{StateGenerateFix, StatePush, false},
		{StateDispatch, StateDoneSuccess, false},
		{StateDoneSuccess, StateDispatch, false},
		{StateEscalateToBundle, StateApply, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, StateDoneSuccess.ExitCode())
	assert.Equal(t, 1, StateDoneFailure.ExitCode())
	assert.Equal(t, 3, StateDoneAborted.ExitCode())
}

func TestWorkflowPath(t *testing.T) {
	c := Config{Workflow: "ci.yml"}
	assert.Equal(t, ".github/workflows/ci.yml", c.WorkflowPath())
	c.Workflow = "./.github/workflows/build.yaml"
	assert.Equal(t, ".github/workflows/build.yaml", c.WorkflowPath())
}

func TestArtifactsRejectEscapingNames(t *testing.T) {
	base := t.TempDir()
	a, err := NewArtifacts(base, "run-1")
	assert.NoError(t, err)
	a.Write("../escape.txt", "x")
	a.Write("ok.txt", "y")
	assert.NoFileExists(t, base+"/escape.txt")
	assert.FileExists(t, a.Dir()+"/ok.txt")

	disabled, err := NewArtifacts("", "run-2")
	assert.NoError(t, err)
	disabled.Write("ignored.txt", "z")
	assert.Empty(t, disabled.Dir())
}
