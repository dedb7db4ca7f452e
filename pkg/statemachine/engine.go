// Package statemachine owns provision-state transitions. The conductor core
// never flips a node's provision state directly; it emits one of the event
// tokens below and this package decides what the token means for the node's
// current state.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/metalkiln/metalkiln/pkg/node"
)

// Event tokens the conductor core emits.
const (
	// EventResume advances a cleaning cycle to its next step.
	EventResume = "resume"
	// EventWait parks the node until the agent reports back.
	EventWait = "wait"
	// EventDone completes the current cycle successfully.
	EventDone = "done"
	// EventFail moves the node to the terminal failure state of its cycle.
	EventFail = "fail"
)

// Engine applies event tokens to a node's provision state. The transition
// table is rebuilt per call because one edge is node-dependent: finishing a
// manual cleaning cycle lands in manageable, finishing an automated one in
// available.
type Engine struct{}

// NewEngine constructs a transition engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Transition applies the event to the node, mutating its provision state.
// An event that is not legal in the node's current state is an error; the
// caller decides whether that is a defect or an escalation.
func (e *Engine) Transition(ctx context.Context, n *node.Node, event string) error {
	if n == nil {
		return fmt.Errorf("transition requires a node")
	}

	cleaningDone := string(node.StateAvailable)
	if n.ManualCleaning() {
		cleaningDone = string(node.StateManageable)
	}

	machine := fsm.NewFSM(string(n.ProvisionState), fsm.Events{
		{Name: EventResume, Src: []string{string(node.StateCleanWait)}, Dst: string(node.StateCleaning)},
		{Name: EventWait, Src: []string{string(node.StateCleaning)}, Dst: string(node.StateCleanWait)},
		{Name: EventWait, Src: []string{string(node.StateDeploying), string(node.StateDeployWait)}, Dst: string(node.StateDeployWait)},
		{Name: EventDone, Src: []string{string(node.StateCleaning)}, Dst: cleaningDone},
		{Name: EventDone, Src: []string{string(node.StateDeploying), string(node.StateDeployWait)}, Dst: string(node.StateActive)},
		{Name: EventFail, Src: []string{string(node.StateCleaning), string(node.StateCleanWait)}, Dst: string(node.StateCleanFail)},
		{Name: EventFail, Src: []string{string(node.StateDeploying), string(node.StateDeployWait)}, Dst: string(node.StateDeployFail)},
		{Name: EventFail, Src: []string{string(node.StateRescuing), string(node.StateRescueWait)}, Dst: string(node.StateDeployFail)},
	}, fsm.Callbacks{})

	if err := machine.Event(ctx, event); err != nil {
		// looplab/fsm reports a legal self-transition (wait while already
		// waiting) as NoTransitionError; the state is unchanged, which is
		// exactly what the edge means here.
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return fmt.Errorf("event %q in state %q: %w", event, n.ProvisionState, err)
		}
	}
	n.ProvisionState = node.ProvisionState(machine.Current())
	return nil
}
