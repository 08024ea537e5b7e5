package tcc

import "fmt"

// TxState is the state of a whole business operation as seen by the
// orchestrator.
//
//	STARTED → TRYING → ALL_TRIED  → CONFIRMING → DONE
//	                 ↘ TRY_FAILED → CANCELING  → ABORTED
type TxState int

const (
	Started TxState = iota + 1
	Trying
	AllTried
	TryFailed
	Confirming
	Done
	Canceling
	Aborted
)

var stateNames = map[TxState]string{
	Started:    "STARTED",
	Trying:     "TRYING",
	AllTried:   "ALL_TRIED",
	TryFailed:  "TRY_FAILED",
	Confirming: "CONFIRMING",
	Done:       "DONE",
	Canceling:  "CANCELING",
	Aborted:    "ABORTED",
}

func (s TxState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// Final reports whether no further transition is possible from s.
func (s TxState) Final() bool {
	return s == Done || s == Aborted
}

var transitions = map[TxState][]TxState{
	Started:    {Trying, Canceling},
	Trying:     {AllTried, TryFailed, Canceling},
	AllTried:   {Confirming},
	TryFailed:  {Canceling},
	Confirming: {Done},
	Canceling:  {Aborted},
}

// CanTransition reports whether the orchestrator may move from s to next.
// Staying in the same state is allowed so that recovery can repeat a step.
func (s TxState) CanTransition(next TxState) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// decision returns which second phase a transaction in state s is heading to:
// +1 confirm, -1 cancel, 0 none.
func (s TxState) decision() int {
	switch s {
	case AllTried, Confirming:
		return +1
	case Started, Trying, TryFailed, Canceling:
		return -1
	}
	return 0
}
