package ingest

import "fmt"

// State is where a form is in the ingestion and submission lifecycle
type State int

const (
	StateIdle State = iota
	StateDraftPending
	StateDraftReady
	StateUploading
	StatePolling
	StateApplied
	StateTimedOut
	StateFailed
	StateSubmitting
	StateSubmitted
)

var stateNames = map[State]string{
	StateIdle:         "IDLE",
	StateDraftPending: "DRAFT_PENDING",
	StateDraftReady:   "DRAFT_READY",
	StateUploading:    "UPLOADING",
	StatePolling:      "POLLING",
	StateApplied:      "APPLIED",
	StateTimedOut:     "TIMED_OUT",
	StateFailed:       "ERROR",
	StateSubmitting:   "SUBMITTING",
	StateSubmitted:    "SUBMITTED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the legal next states. Cancelling an in-flight attempt
// returns to DRAFT_READY (or IDLE when no draft exists).
var transitions = map[State][]State{
	StateIdle:         {StateDraftPending, StateDraftReady, StateSubmitting},
	StateDraftPending: {StateDraftReady, StateFailed, StateIdle},
	StateDraftReady:   {StateDraftPending, StateUploading, StateSubmitting},
	StateUploading:    {StatePolling, StateFailed, StateDraftReady},
	StatePolling:      {StateApplied, StateTimedOut, StateFailed, StateDraftReady},
	StateApplied:      {StateDraftPending, StateSubmitting},
	StateTimedOut:     {StateDraftPending, StatePolling, StateSubmitting},
	StateFailed:       {StateDraftPending, StateSubmitting},
	StateSubmitting:   {StateSubmitted, StateFailed},
	StateSubmitted:    {},
}

// CanTransition reports whether moving from s to next is legal
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight reports whether an ingestion attempt is running in s
func (s State) InFlight() bool {
	switch s {
	case StateDraftPending, StateUploading, StatePolling:
		return true
	}
	return false
}

// Busy reports whether the form rejects edits in s
func (s State) Busy() bool {
	return s.InFlight() || s == StateSubmitting
}

// Terminal reports whether nothing further can happen from s
func (s State) Terminal() bool {
	return s == StateSubmitted
}
