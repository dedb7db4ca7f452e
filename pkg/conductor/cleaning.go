package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
	"github.com/metalkiln/metalkiln/pkg/power"
	"github.com/metalkiln/metalkiln/pkg/statemachine"
)

// ContinueCleaning advances an in-flight cleaning cycle from the agent's
// current command journal. Processing is idempotent: the completion detector
// recomputes "is this the current step's result" from persisted state, so a
// duplicate heartbeat cannot advance the sequence twice.
func (c *Conductor) ContinueCleaning(ctx context.Context, n *node.Node) error {
	commands, err := c.agent.GetCommandStatus(ctx, n)
	if err != nil {
		if errors.Is(err, agent.ErrBusy) {
			// The agent is mid-step with no free worker. The next heartbeat
			// will look again; this is a skip, not a failure.
			c.recordCleaning(ctx, n, "agent_busy", observability.LevelWarn, nil)
			return nil
		}
		return fmt.Errorf("query agent command journal: %w", err)
	}

	if len(commands) == 0 {
		if n.Session.CleaningReboot {
			// First heartbeat after the requested reboot: the journal is
			// empty because the ramdisk came up fresh.
			n.Session.CleaningReboot = false
			if err := c.store.Save(ctx, n); err != nil {
				return fmt.Errorf("clear cleaning reboot marker: %w", err)
			}
			c.recordCleaning(ctx, n, "cleaning_reboot_confirmed", observability.LevelInfo, nil)
			return c.events.ProcessEvent(ctx, n, statemachine.EventResume)
		}
		c.recordCleaning(ctx, n, "cleaning_no_commands", observability.LevelInfo, nil)
		return nil
	}

	completed := DetectCompletedCleaningCommand(n, commands)
	if completed == nil {
		c.recordCleaning(ctx, n, "cleaning_in_progress", observability.LevelInfo, map[string]interface{}{
			"step": n.CleanStep.String(),
		})
		return nil
	}

	switch completed.Status {
	case agent.StatusFailed:
		c.Escalate(ctx, n, fmt.Sprintf("clean step %s failed on node %s: %s", n.CleanStep, n.ID, agentErrorText(completed)))
		return nil
	case agent.StatusVersionMismatch:
		return c.recoverVersionMismatch(ctx, n)
	case agent.StatusSucceeded:
		return c.finishCleanStep(ctx, n, *completed)
	default:
		// The agent contract promises exactly four statuses; anything else
		// means we are talking to an agent we do not understand.
		c.Escalate(ctx, n, fmt.Sprintf("agent reported unknown command status %q for clean step %s on node %s", completed.Status, n.CleanStep, n.ID))
		return nil
	}
}

// finishCleanStep runs the post-step hook, sequences a reboot when the step
// demands one, and otherwise resumes to the next step.
func (c *Conductor) finishCleanStep(ctx context.Context, n *node.Node, completed agent.Command) error {
	if hook, ok := c.hooks.Lookup(n.CleanStep.Interface, n.CleanStep.Step); ok {
		if err := hook(ctx, n, completed); err != nil {
			c.Escalate(ctx, n, fmt.Sprintf("post-step hook for %s failed on node %s: %v", n.CleanStep, n.ID, err))
			return nil
		}
	}

	c.recordCleaning(ctx, n, "clean_step_succeeded", observability.LevelInfo, map[string]interface{}{
		"step": n.CleanStep.String(),
	})

	if n.CleanStep.RebootRequested {
		return c.RequestCleaningReboot(ctx, n)
	}
	return c.events.ProcessEvent(ctx, n, statemachine.EventResume)
}

// recoverVersionMismatch handles the agent restarting with a different set
// of hardware managers mid-cycle. The catalogue is refreshed either way; how
// much progress survives depends on the cleaning mode. Automated steps are
// idempotent and safe to restart, so the whole sequence is recomputed from
// scratch. Manual steps are operator-triggered with no such guarantee, so
// only the current step is retried.
func (c *Conductor) recoverVersionMismatch(ctx context.Context, n *node.Node) error {
	previousVersion := n.Session.HardwareManagerVersion
	if err := c.RefreshCleanSteps(ctx, n); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not refresh clean steps after version mismatch on node %s: %v", n.ID, err))
		return nil
	}

	mode := "automated"
	if n.ManualCleaning() {
		mode = "manual"
		n.Session.SkipCurrentCleanStep = false
	} else {
		n.CleanStep = node.CleanStep{}
		n.Session.SkipCurrentCleanStep = false
	}
	if err := c.store.Save(ctx, n); err != nil {
		return fmt.Errorf("persist version mismatch recovery: %w", err)
	}

	c.recordCleaning(ctx, n, "hardware_manager_version_changed", observability.LevelWarn, map[string]interface{}{
		"mode":             mode,
		"previous_version": previousVersion,
		"current_version":  n.Session.HardwareManagerVersion,
	})
	return c.events.ProcessEvent(ctx, n, statemachine.EventResume)
}

// RequestCleaningReboot issues the out-of-band power cycle a clean step asked
// for. The reboot marker is only set once the request actually succeeded;
// otherwise no reboot is in flight and the failure escalates immediately.
func (c *Conductor) RequestCleaningReboot(ctx context.Context, n *node.Node) error {
	if err := c.power.Action(ctx, n.ID, power.TargetReboot); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("reboot requested by clean step %s failed on node %s: %v", n.CleanStep, n.ID, err))
		return nil
	}
	n.Session.CleaningReboot = true
	if err := c.store.Save(ctx, n); err != nil {
		return fmt.Errorf("persist cleaning reboot marker: %w", err)
	}
	c.recordCleaning(ctx, n, "cleaning_reboot_requested", observability.LevelInfo, map[string]interface{}{
		"step": n.CleanStep.String(),
	})
	return nil
}

func agentErrorText(cmd *agent.Command) string {
	if cmd == nil || cmd.Error == "" {
		return "no error details reported"
	}
	return cmd.Error
}

func (c *Conductor) recordCleaning(ctx context.Context, n *node.Node, event string, level observability.Level, fields map[string]interface{}) {
	c.reporter.RecordMetric(observability.Metric{
		Name:        "cleaning_events_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"event": event},
		Description: "Number of cleaning pipeline events grouped by type.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       level,
		Node:        n.ID,
		Correlation: correlationFrom(ctx),
		Event:       event,
		Fields:      fields,
	})
}
