package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalkiln/metalkiln/pkg/lock"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
	"github.com/metalkiln/metalkiln/pkg/statemachine"
)

type correlationKey struct{}

func correlationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// Heartbeat processes one agent callback for the node. It serialises against
// other conductors via the per-node lock, records liveness, and routes to
// the deploy or cleaning pipeline based on the node's provision state.
//
// Failure policy: branch helpers that can produce a specific diagnostic call
// the escalator themselves and return nil; any error that reaches this level
// (including a panic in branch logic) is escalated with a generic message so
// the node is never left stuck mid-cycle. Lock contention is not a failure:
// another conductor holds the node and is progressing it, so the heartbeat
// is skipped.
func (c *Conductor) Heartbeat(ctx context.Context, nodeID, callbackURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, correlationKey{}, c.correlationID())

	lease, err := c.locker.Acquire(ctx, nodeID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			c.recordHeartbeat(ctx, nodeID, "heartbeat_skipped", observability.LevelInfo, map[string]interface{}{
				"reason": "node locked by another conductor",
			})
			return nil
		}
		c.recordHeartbeat(ctx, nodeID, "heartbeat_lock_error", observability.LevelError, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("acquire node lock: %w", err)
	}
	defer c.releaseLease(ctx, nodeID, lease)

	n, err := c.store.Get(ctx, nodeID)
	if err != nil {
		c.recordHeartbeat(ctx, nodeID, "heartbeat_node_lookup_failed", observability.LevelError, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("load node: %w", err)
	}

	// Liveness bookkeeping happens on every heartbeat, including no-op
	// branches; the external timeout sweep depends on it being accurate.
	n.Session.AgentLastHeartbeat = c.now().UTC()
	n.Session.AgentURL = callbackURL
	if err := c.store.Save(ctx, n); err != nil {
		return fmt.Errorf("persist liveness: %w", err)
	}

	if n.Maintenance {
		c.recordHeartbeat(ctx, nodeID, "heartbeat_maintenance", observability.LevelInfo, nil)
		return nil
	}

	if err := c.dispatch(ctx, n); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("heartbeat processing failed for node %s: %v", n.ID, err))
	}
	return nil
}

// dispatch routes the heartbeat by provision state. A panic in branch logic
// is converted into an error so the caller can escalate it (fail-safe rather
// than fail-open).
func (c *Conductor) dispatch(ctx context.Context, n *node.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal defect while processing heartbeat: %v", r)
		}
	}()

	switch n.ProvisionState {
	case node.StateDeployWait:
		return c.ContinueDeploy(ctx, n)
	case node.StateCleanWait:
		if n.CleanStep.IsZero() && !n.Session.CleaningReboot {
			return c.startCleaningCycle(ctx, n)
		}
		return c.ContinueCleaning(ctx, n)
	default:
		c.recordHeartbeat(ctx, n.ID, "heartbeat_ignored", observability.LevelInfo, map[string]interface{}{
			"provision_state": string(n.ProvisionState),
		})
		return nil
	}
}

// startCleaningCycle handles the first heartbeat after the cleaning ramdisk
// boots: populate the step catalogue, then ask the state machine to resume
// into the first step.
func (c *Conductor) startCleaningCycle(ctx context.Context, n *node.Node) error {
	if err := c.RefreshCleanSteps(ctx, n); err != nil {
		c.Escalate(ctx, n, fmt.Sprintf("could not start cleaning on node %s: %v", n.ID, err))
		return nil
	}
	c.recordHeartbeat(ctx, n.ID, "cleaning_started", observability.LevelInfo, map[string]interface{}{
		"hardware_manager_version": n.Session.HardwareManagerVersion,
	})
	return c.events.ProcessEvent(ctx, n, statemachine.EventResume)
}

func (c *Conductor) releaseLease(ctx context.Context, nodeID string, lease lock.Lease) {
	if lease == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	releaseErr := lease.Release(releaseCtx)
	duration := time.Since(start)

	result := "success"
	level := observability.LevelInfo
	if releaseErr != nil {
		result = "error"
		level = observability.LevelWarn
	}

	c.reporter.RecordMetric(observability.Metric{
		Name:        "node_lock_release_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of node lock release operations.",
		Unit:        "seconds",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       level,
		Node:        nodeID,
		Correlation: correlationFrom(ctx),
		Event:       "node_lock_released",
		Fields:      map[string]interface{}{"result": result, "duration_ms": duration.Milliseconds()},
	})
}

func (c *Conductor) recordHeartbeat(ctx context.Context, nodeID, event string, level observability.Level, fields map[string]interface{}) {
	c.reporter.RecordMetric(observability.Metric{
		Name:        "heartbeat_outcomes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"event": event},
		Description: "Number of processed heartbeats grouped by outcome event.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       level,
		Node:        nodeID,
		Correlation: correlationFrom(ctx),
		Event:       event,
		Fields:      fields,
	})
}
