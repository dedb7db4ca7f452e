// Package agent talks to the ephemeral ramdisk agent running on a node being
// deployed or cleaned. All calls are synchronous request/response RPCs; the
// conductor treats transport failures as escalation-worthy and never retries
// them itself, so whatever retry policy exists lives in this package.
package agent

import (
	"context"
	"errors"

	"github.com/metalkiln/metalkiln/pkg/node"
)

// CommandStatus is the agent-reported execution state of one command.
type CommandStatus string

const (
	StatusRunning         CommandStatus = "RUNNING"
	StatusSucceeded       CommandStatus = "SUCCEEDED"
	StatusFailed          CommandStatus = "FAILED"
	StatusVersionMismatch CommandStatus = "VERSION_MISMATCH"
)

// Command names the conductor dispatches and matches on.
const (
	CommandExecuteCleanStep = "execute_clean_step"
	CommandPrepareImage     = "prepare_image"
)

// ErrBusy indicates the agent refused the request because no command worker
// is free. Callers should skip the current heartbeat and let the next one
// retry; the condition is expected while a long step is executing.
var ErrBusy = errors.New("agent: no free command worker")

// Command is one entry from the agent's append-only command journal. The
// journal is reported most-recent-last and only the final entry is
// semantically relevant to the conductor.
type Command struct {
	Name   string                 `json:"command_name"`
	Status CommandStatus          `json:"command_status"`
	Result map[string]interface{} `json:"command_result,omitempty"`
	Error  string                 `json:"command_error,omitempty"`
}

// ResultCleanStep extracts the clean step embedded in a command result, when
// present. The agent echoes the step it executed so the conductor can tell a
// stale completion from the current step's completion.
func (c Command) ResultCleanStep() (node.CleanStep, bool) {
	raw, ok := c.Result["clean_step"]
	if !ok {
		return node.CleanStep{}, false
	}
	switch v := raw.(type) {
	case node.CleanStep:
		return v, true
	case map[string]interface{}:
		step := node.CleanStep{}
		if s, ok := v["interface"].(string); ok {
			step.Interface = s
		}
		if s, ok := v["step"].(string); ok {
			step.Step = s
		}
		if p, ok := toInt(v["priority"]); ok {
			step.Priority = p
		}
		if b, ok := v["reboot_requested"].(bool); ok {
			step.RebootRequested = b
		}
		if step.IsZero() {
			return node.CleanStep{}, false
		}
		return step, true
	default:
		return node.CleanStep{}, false
	}
}

// RawStep is an unvalidated clean step as reported by the agent. The
// clean-step cache is responsible for checking required fields before
// trusting it, since the agent is an independently versioned remote
// component.
type RawStep map[string]interface{}

// CleanStepsResult is the agent's answer to a clean-steps query, grouped by
// the hardware-manager plugin that contributed each step.
type CleanStepsResult struct {
	HardwareManagerVersion string               `json:"hardware_manager_version"`
	StepsByManager         map[string][]RawStep `json:"clean_steps"`
}

// Client is the conductor's view of the agent RPC surface.
type Client interface {
	// GetCommandStatus returns the agent's command journal, oldest first.
	GetCommandStatus(ctx context.Context, n *node.Node) ([]Command, error)
	// GetCleanSteps queries the steps the agent's hardware managers offer.
	GetCleanSteps(ctx context.Context, n *node.Node) (*CleanStepsResult, error)
	// ExecuteCleanStep dispatches one clean step for asynchronous execution.
	ExecuteCleanStep(ctx context.Context, n *node.Node, step node.CleanStep) error
	// PrepareImage dispatches the instance image write.
	PrepareImage(ctx context.Context, n *node.Node, image node.ImageInfo) error
	// PowerOff asks the agent to soft power off the node from inside.
	PowerOff(ctx context.Context, n *node.Node) error
	// Sync flushes agent-side filesystem buffers ahead of a power change.
	Sync(ctx context.Context, n *node.Node) error
}

func toInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
