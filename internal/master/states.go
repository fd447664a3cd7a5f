package master

// State is the lifecycle state of one year's task. States only move
// forward; a terminal state is never overwritten.
type State string

const (
	StatePending     State = "pending"
	StateAssigned    State = "assigned"
	StateFetching    State = "fetching"
	StateExtracting  State = "extracting"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
	StateCancelled   State = "cancelled"
)

// stateRank orders states along the forward-only lifecycle. All terminal
// states share the highest rank so none can replace another.
var stateRank = map[State]int{
	StatePending:     0,
	StateAssigned:    1,
	StateFetching:    2,
	StateExtracting:  3,
	StateAggregating: 4,
	StateDone:        5,
	StateFailed:      5,
	StateSkipped:     5,
	StateCancelled:   5,
}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Summary aggregates the outcome of a run.
type Summary struct {
	Done      int
	Failed    int
	Skipped   int
	Cancelled int

	// Years holds the terminal state of every requested year.
	Years map[string]State

	// Errors holds the failure reason per failed year.
	Errors map[string]error
}

// Success reports whether every requested year ended done or skipped.
func (s *Summary) Success() bool {
	return s.Failed == 0 && s.Cancelled == 0
}
