package documents

import (
	"errors"
	"fmt"
)

// State is a DocumentRun's position in the pipeline.
type State string

const (
	StateUploaded               State = "uploaded"
	StateValidating             State = "validating"
	StateRejected               State = "rejected"
	StateExtracting             State = "extracting"
	StateExtracted              State = "extracted"
	StateExtractionFailed       State = "extraction_failed"
	StateParsing                State = "parsing"
	StateParsed                 State = "parsed"
	StateParseFailed            State = "parse_failed"
	StateCheckingInteractions   State = "checking_interactions"
	StateInteractionCheckFailed State = "interaction_check_failed"
	StateCommitted              State = "committed"
	StateCommitFailed           State = "commit_failed"
)

var allStates = []State{
	StateUploaded, StateValidating, StateRejected, StateExtracting, StateExtracted,
	StateExtractionFailed, StateParsing, StateParsed, StateParseFailed,
	StateCheckingInteractions, StateInteractionCheckFailed, StateCommitted, StateCommitFailed,
}

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateUploaded:             {StateValidating},
	StateValidating:           {StateExtracting, StateRejected},
	StateExtracting:           {StateExtracted, StateExtractionFailed},
	StateExtracted:            {StateParsing},
	StateParsing:              {StateParsed, StateParseFailed},
	StateParsed:               {StateCheckingInteractions, StateCommitted, StateCommitFailed},
	StateCheckingInteractions: {StateCommitted, StateCommitFailed, StateInteractionCheckFailed},
	StateCommitFailed:         {StateCommitted, StateCommitFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether no pipeline step will move the run again.
// commit_failed is not terminal: RetryCommit may resume it.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateExtractionFailed, StateParseFailed, StateInteractionCheckFailed:
		return true
	}
	return false
}

// Failed reports whether the run ended without a commit. A failed run does
// not block a new submission of the same content.
func (s State) Failed() bool {
	switch s {
	case StateRejected, StateExtractionFailed, StateParseFailed, StateInteractionCheckFailed, StateCommitFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// stageBound lists the states that run under the stage deadline and the
// failure state each is forced into when the deadline passes.
var stageBound = map[State]State{
	StateExtracting:           StateExtractionFailed,
	StateCheckingInteractions: StateInteractionCheckFailed,
}
