package tune

import "fmt"

// State is a tune loop controller state.
type State string

// Controller states.
const (
	StateDispatch         State = "DISPATCH"
	StateAwaitCompletion  State = "AWAIT_COMPLETION"
	StateEvaluate         State = "EVALUATE"
	StateGenerateFix      State = "GENERATE_FIX"
	StateValidate         State = "VALIDATE"
	StateApply            State = "APPLY"
	StatePush             State = "PUSH"
	StateEscalateToBundle State = "ESCALATE_TO_BUNDLE"
	StateDoneSuccess      State = "DONE_SUCCESS"
	StateDoneFailure      State = "DONE_FAILURE"
	StateDoneAborted      State = "DONE_ABORTED"
)

// validTransitions defines the controller transition rules. A failed attempt that
// pushed nothing returns to EVALUATE so the same CI evidence feeds the next attempt.
//
//nolint:gochecknoglobals // state machine definition
var validTransitions = map[State][]State{
	StateDispatch: {
		StateAwaitCompletion,
		StateEvaluate, // dispatch failed, consumes an attempt
		StateDoneAborted,
	},
	StateAwaitCompletion: {
		StateEvaluate,
		StateDoneAborted,
	},
	StateEvaluate: {
		StateDoneSuccess,
		StateDoneFailure,
		StateGenerateFix,
		StateDispatch, // previous round produced no logs to work from
		StateDoneAborted,
	},
	StateGenerateFix: {
		StateValidate,
		StateEvaluate,
		StateDoneAborted,
	},
	StateValidate: {
		StateApply,
		StateEvaluate,
		StateEscalateToBundle,
		StateDoneAborted,
	},
	StateApply: {
		StatePush,
		StateEvaluate,
		StateEscalateToBundle,
		StateDoneAborted,
	},
	StatePush: {
		StateDispatch, // re-verify
		StateEvaluate,
		StateDoneAborted,
	},
	StateEscalateToBundle: {
		StateEvaluate,
		StateDoneAborted,
	},
	StateDoneSuccess: {},
	StateDoneFailure: {},
	StateDoneAborted: {},
}

// IsValidTransition reports whether the controller may move from one state to another.
func IsValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the states reachable from from.
func ValidNextStates(from State) []State {
	return validTransitions[from]
}

// IsTerminal reports whether s ends the loop.
func (s State) IsTerminal() bool {
	return s == StateDoneSuccess || s == StateDoneFailure || s == StateDoneAborted
}

// ExitCode maps a terminal state to the process exit code: 0 success, 1 failure, 3 aborted.
func (s State) ExitCode() int {
	switch s {
	case StateDoneSuccess:
		return 0
	case StateDoneAborted:
		return 3
	default:
		return 1
	}
}

// TransitionError reports a transition missing from the table.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}
