package conductor

import (
	"testing"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
)

func TestDetectCompletedCleaningCommand(t *testing.T) {
	current := node.CleanStep{Interface: "deploy", Step: "erase_devices", Priority: 10}
	other := node.CleanStep{Interface: "raid", Step: "create_configuration", Priority: 5}

	stepResult := func(step node.CleanStep) map[string]interface{} {
		return map[string]interface{}{
			"clean_step": map[string]interface{}{
				"interface": step.Interface,
				"step":      step.Step,
				"priority":  step.Priority,
			},
		}
	}

	cases := []struct {
		name     string
		commands []agent.Command
		want     *agent.CommandStatus
	}{
		{
			name:     "empty journal",
			commands: nil,
			want:     nil,
		},
		{
			name: "last command is not a clean step",
			commands: []agent.Command{
				{Name: "standby.sync", Status: agent.StatusSucceeded},
			},
			want: nil,
		},
		{
			name: "last command still running",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusRunning},
			},
			want: nil,
		},
		{
			name: "success for a different step",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusSucceeded, Result: stepResult(other)},
			},
			want: nil,
		},
		{
			name: "success without step echo",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusSucceeded},
			},
			want: nil,
		},
		{
			name: "matching success",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusSucceeded, Result: stepResult(current)},
			},
			want: statusPtr(agent.StatusSucceeded),
		},
		{
			name: "failure reports regardless of step echo",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusFailed, Error: "disk wipe timed out"},
			},
			want: statusPtr(agent.StatusFailed),
		},
		{
			name: "version mismatch reports",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusVersionMismatch},
			},
			want: statusPtr(agent.StatusVersionMismatch),
		},
		{
			name: "only the last entry counts",
			commands: []agent.Command{
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusSucceeded, Result: stepResult(current)},
				{Name: agent.CommandExecuteCleanStep, Status: agent.StatusRunning},
			},
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &node.Node{ID: "node-a", ProvisionState: node.StateCleanWait, CleanStep: current}
			got := DetectCompletedCleaningCommand(n, tc.commands)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("expected no completion, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected completion with status %s, got nil", *tc.want)
			}
			if got.Status != *tc.want {
				t.Fatalf("expected status %s, got %s", *tc.want, got.Status)
			}
		})
	}
}

func TestDetectCompletedCleaningCommandPriorityIgnoredForIdentity(t *testing.T) {
	n := &node.Node{
		ID:             "node-a",
		ProvisionState: node.StateCleanWait,
		CleanStep:      node.CleanStep{Interface: "deploy", Step: "erase_devices", Priority: 10},
	}
	commands := []agent.Command{
		{
			Name:   agent.CommandExecuteCleanStep,
			Status: agent.StatusSucceeded,
			Result: map[string]interface{}{
				"clean_step": map[string]interface{}{
					"interface": "deploy",
					"step":      "erase_devices",
					"priority":  99,
				},
			},
		},
	}

	if got := DetectCompletedCleaningCommand(n, commands); got == nil {
		t.Fatalf("expected priority difference to be ignored for step identity")
	}
}

func statusPtr(status agent.CommandStatus) *agent.CommandStatus {
	return &status
}
