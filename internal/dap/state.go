package dap

import "fmt"

// State is one node of the session lifecycle state machine (spec §4.H).
type State int

const (
	StateInit State = iota
	StateInitialized
	StateConfiguring
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateInitialized:
		return "Initialized"
	case StateConfiguring:
		return "Configuring"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ErrInvalidTransition is returned when a request arrives in a state that
// does not accept it (spec §4.H: "In Init, only initialize is accepted;
// any other request replies with an error and the session closes").
type ErrInvalidTransition struct {
	From    State
	Command string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("dap: command %q not valid in state %s", e.Command, e.From)
}

// transitions is the allowed (state, command) -> next-state table (spec
// §4.H diagram). Requests not named here (status queries, reads, etc.)
// are valid in Active without changing state and are not listed.
var transitions = map[State]map[string]State{
	StateInit: {
		"initialize": StateInitialized,
	},
	StateInitialized: {
		"launch": StateConfiguring,
		"attach": StateConfiguring,
	},
	StateConfiguring: {
		"configurationDone": StateActive,
	},
	StateActive: {
		"disconnect": StateTerminated,
		"restart":    StateActive, // restart loops back into Active per spec §4.H
	},
}

// next validates command against the current state and returns the state
// to transition to. Commands valid within a state without transitioning
// it (continue, step, pause, reads, writes, ... in Active) are passed
// through unchanged by the caller; next is only consulted for the
// lifecycle-moving commands above.
func (s State) next(command string) (State, error) {
	allowed, ok := transitions[s]
	if !ok {
		return s, &ErrInvalidTransition{From: s, Command: command}
	}
	to, ok := allowed[command]
	if !ok {
		return s, &ErrInvalidTransition{From: s, Command: command}
	}
	return to, nil
}

// lifecycleCommands is the set of commands that move session state;
// anything else dispatched in StateActive is a same-state operation.
var lifecycleCommands = map[string]bool{
	"initialize":        true,
	"launch":            true,
	"attach":             true,
	"configurationDone": true,
	"disconnect":        true,
	"restart":           true,
}
