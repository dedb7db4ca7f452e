package conductor

import (
	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
)

// DetectCompletedCleaningCommand inspects the agent's command journal and
// decides whether the node's current clean step has something to report.
//
// The journal is append-only and polled, so the last entry can legitimately
// lag one heartbeat behind the conductor's idea of the current step. The
// matching rules below are therefore deliberately conservative: on any
// ambiguity the answer is nil and the next heartbeat gets another look.
// Returning nil never loses information; returning a stale command would
// double-advance the step sequence.
//
// Rules, in order:
//   - empty journal: nil.
//   - last command is not execute_clean_step: nil (the ramdisk is still
//     booting or a different command is interleaved).
//   - last command still running: nil.
//   - last command succeeded but for a step other than the node's current
//     one: nil (the agent has not yet been handed the current step).
//   - otherwise the last command is returned: a matching success, a failure,
//     or a hardware-manager version mismatch.
func DetectCompletedCleaningCommand(n *node.Node, commands []agent.Command) *agent.Command {
	if len(commands) == 0 {
		return nil
	}
	last := commands[len(commands)-1]
	if last.Name != agent.CommandExecuteCleanStep {
		return nil
	}
	if last.Status == agent.StatusRunning {
		return nil
	}
	if last.Status == agent.StatusSucceeded {
		reported, ok := last.ResultCleanStep()
		if !ok || !reported.Same(n.CleanStep) {
			return nil
		}
	}
	return &last
}
