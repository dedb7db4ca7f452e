package conductor

import (
	"context"

	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
	"github.com/metalkiln/metalkiln/pkg/statemachine"
)

// Escalate records a terminal failure on the node and emits the "fail" event
// so the state machine moves the node to its failure state. The message is
// persisted verbatim as the node's last error; it is what an operator sees
// first, so callers are expected to include the step and the underlying
// diagnostic.
//
// Escalation itself never fails. If persisting or the state transition errors
// out there is nothing better left to do than log it; swallowing the
// secondary error keeps every escalation path single-exit.
func (c *Conductor) Escalate(ctx context.Context, n *node.Node, message string) {
	n.LastError = message
	if err := c.store.Save(ctx, n); err != nil {
		c.reporter.RecordEvent(ctx, observability.Event{
			Level:       observability.LevelError,
			Node:        n.ID,
			Correlation: correlationFrom(ctx),
			Event:       "escalation_persist_failed",
			Fields:      map[string]interface{}{"error": err.Error(), "message": message},
		})
	}
	if err := c.events.ProcessEvent(ctx, n, statemachine.EventFail); err != nil {
		c.reporter.RecordEvent(ctx, observability.Event{
			Level:       observability.LevelError,
			Node:        n.ID,
			Correlation: correlationFrom(ctx),
			Event:       "escalation_transition_failed",
			Fields:      map[string]interface{}{"error": err.Error(), "message": message},
		})
	}

	superstate := "cleaning"
	switch n.ProvisionState {
	case node.StateDeploying, node.StateDeployWait, node.StateDeployFail:
		superstate = "deploy"
	case node.StateRescuing, node.StateRescueWait:
		superstate = "rescue"
	}

	c.reporter.RecordMetric(observability.Metric{
		Name:        "escalations_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"superstate": superstate},
		Description: "Number of node failures escalated to a terminal failure state.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       observability.LevelError,
		Node:        n.ID,
		Correlation: correlationFrom(ctx),
		Event:       "node_failure_escalated",
		Fields: map[string]interface{}{
			"superstate": superstate,
			"message":    message,
		},
	})
}
