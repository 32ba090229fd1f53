// Package arbitration drives per-subtask dispute state and is the sole
// caller of Bankster: every transition that moves money goes through a
// handler here, serialized per subtask id.
package arbitration

import (
	"errors"
	"fmt"

	"github.com/golemfactory/concent/go/store"
)

// ErrServiceRefused reports that a request was declined on business
// grounds, typically an insufficient deposit. It is not a failure.
var ErrServiceRefused = errors.New("arbitration: service refused")

// ErrDuplicateRequest reports a request for a transition the subtask has
// already made.
var ErrDuplicateRequest = errors.New("arbitration: duplicate request")

// InvalidTransitionError reports a request that would move a subtask
// against the state diagram. Progress is monotonic: terminal states have no
// exits and no transition is ever reversed.
type InvalidTransitionError struct {
	SubtaskID string
	From, To  store.SubtaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("arbitration: subtask %q cannot move from %s to %s", e.SubtaskID, e.From, e.To)
}

// transitions is the state diagram. A state absent from the map is
// terminal.
var transitions = map[store.SubtaskState][]store.SubtaskState{
	store.StateForcingReport: {
		store.StateReported,
		store.StateFailed,
	},
	store.StateReported: {
		store.StateForcingResultTransfer,
		store.StateForcingAcceptance,
	},
	store.StateForcingResultTransfer: {
		store.StateResultUploaded,
		store.StateFailed,
	},
	store.StateResultUploaded: {
		store.StateForcingAcceptance,
	},
	store.StateForcingAcceptance: {
		store.StateAccepted,
		store.StateRejected,
	},
	store.StateRejected: {
		store.StateVerificationFileTransfer,
	},
	store.StateVerificationFileTransfer: {
		store.StateAdditionalVerification,
		store.StateFailed,
	},
	store.StateAdditionalVerification: {
		store.StateAccepted,
		store.StateFailed,
	},
}

// CanTransition reports whether the diagram admits moving from one state to
// another.
func CanTransition(from, to store.SubtaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no exits.
func Terminal(state store.SubtaskState) bool {
	return len(transitions[state]) == 0
}
