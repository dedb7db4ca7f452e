package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
	"github.com/metalkiln/metalkiln/pkg/power"
	"github.com/metalkiln/metalkiln/pkg/statemachine"
)

// ContinueDeploy advances a node waiting in deploy from the agent's command
// journal. The first heartbeat starts the image write; later heartbeats poll
// it; once the write reaches a terminal status the node is torn down from the
// provisioning environment and booted into its instance.
func (c *Conductor) ContinueDeploy(ctx context.Context, n *node.Node) error {
	commands, err := c.agent.GetCommandStatus(ctx, n)
	if err != nil {
		if errors.Is(err, agent.ErrBusy) {
			c.recordDeploy(ctx, n, "agent_busy", observability.LevelWarn, nil)
			return nil
		}
		return fmt.Errorf("query agent command journal: %w", err)
	}

	prepare := lastPrepareImage(commands)
	if prepare == nil {
		return c.beginDeploy(ctx, n)
	}

	switch prepare.Status {
	case agent.StatusRunning:
		c.recordDeploy(ctx, n, "deploy_image_in_progress", observability.LevelInfo, nil)
		return nil
	case agent.StatusFailed:
		c.Escalate(ctx, n, fmt.Sprintf("image preparation failed on node %s: %s", n.ID, agentErrorText(prepare)))
		return nil
	default:
		return c.finishDeploy(ctx, n)
	}
}

// beginDeploy dispatches the image write and parks the node waiting on the
// agent. The agent executes it asynchronously; progress is observed through
// the journal on subsequent heartbeats.
func (c *Conductor) beginDeploy(ctx context.Context, n *node.Node) error {
	if err := c.agent.PrepareImage(ctx, n, n.InstanceImage); err != nil {
		if errors.Is(err, agent.ErrBusy) {
			c.recordDeploy(ctx, n, "agent_busy", observability.LevelWarn, nil)
			return nil
		}
		c.Escalate(ctx, n, fmt.Sprintf("could not dispatch image preparation on node %s: %v", n.ID, err))
		return nil
	}
	c.recordDeploy(ctx, n, "deploy_image_dispatched", observability.LevelInfo, map[string]interface{}{
		"image": n.InstanceImage.Source,
	})
	return c.events.ProcessEvent(ctx, n, statemachine.EventWait)
}

// finishDeploy performs the tear-down choreography after a successful image
// write: flush buffers, power the node down (soft first, hard as fallback),
// point the boot order at the freshly written disk, swap the node from the
// provisioning network onto its tenant networks, and power it back on. Every
// stage failure escalates with its own diagnostic; a node stuck halfway
// through tear-down must not be reported as active.
func (c *Conductor) finishDeploy(ctx context.Context, n *node.Node) error {
	if err := c.agent.Sync(ctx, n); err != nil {
		// Best effort: the image write already fsynced its own data, so a
		// failed global sync is worth a warning but not a failed deploy.
		c.recordDeploy(ctx, n, "deploy_sync_failed", observability.LevelWarn, map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := c.softPowerOff(ctx, n); err != nil {
		c.recordDeploy(ctx, n, "deploy_soft_power_off_failed", observability.LevelWarn, map[string]interface{}{
			"error": err.Error(),
		})
		if err := c.power.Action(ctx, n.ID, power.TargetOff); err != nil {
			c.Escalate(ctx, n, fmt.Sprintf("could not power off node %s after deploy: %v", n.ID, err))
			return nil
		}
	}

	if err := c.boot.SetBootDevice(ctx, n.ID, power.DeviceDisk, true); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not set boot device to disk on node %s: %v", n.ID, err))
		return nil
	}
	if err := c.network.RemoveProvisioningNetwork(ctx, n.ID); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not remove provisioning network from node %s: %v", n.ID, err))
		return nil
	}
	if err := c.network.ConfigureTenantNetworks(ctx, n.ID); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not configure tenant networks on node %s: %v", n.ID, err))
		return nil
	}
	if err := c.power.Action(ctx, n.ID, power.TargetOn); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not power on node %s into its instance: %v", n.ID, err))
		return nil
	}

	c.recordDeploy(ctx, n, "deploy_completed", observability.LevelInfo, nil)
	return c.events.ProcessEvent(ctx, n, statemachine.EventDone)
}

// softPowerOff asks the agent to shut the node down from inside, retrying
// with backoff. The agent going unreachable partway through is the expected
// success signal as much as a failure one, which is why the caller treats any
// error here as "fall back to hard off" rather than a deploy failure.
func (c *Conductor) softPowerOff(ctx context.Context, n *node.Node) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.softOffMin
	policy.MaxInterval = c.softOffMax

	return backoff.Retry(func() error {
		err := c.agent.PowerOff(ctx, n)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.softOffAttempts), ctx))
}

func lastPrepareImage(commands []agent.Command) *agent.Command {
	for i := len(commands) - 1; i >= 0; i-- {
		if commands[i].Name == agent.CommandPrepareImage {
			return &commands[i]
		}
	}
	return nil
}

func (c *Conductor) recordDeploy(ctx context.Context, n *node.Node, event string, level observability.Level, fields map[string]interface{}) {
	c.reporter.RecordMetric(observability.Metric{
		Name:        "deploy_events_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"event": event},
		Description: "Number of deploy pipeline events grouped by type.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       level,
		Node:        n.ID,
		Correlation: correlationFrom(ctx),
		Event:       event,
		Fields:      fields,
	})
}
