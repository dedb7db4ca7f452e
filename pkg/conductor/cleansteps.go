package conductor

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
)

// RefreshCleanSteps queries the agent for its clean-step catalogue and
// persists it into the node's session, grouped by step interface. It runs
// once at the start of a cleaning cycle and again after a hardware-manager
// version mismatch. Malformed responses yield a CleaningError.
func (c *Conductor) RefreshCleanSteps(ctx context.Context, n *node.Node) error {
	result, err := c.agent.GetCleanSteps(ctx, n)
	if err != nil {
		return fmt.Errorf("get clean steps from agent: %w", err)
	}
	if result == nil || result.StepsByManager == nil {
		return cleaningErrorf("agent on node %s returned no clean step catalogue", n.ID)
	}
	if strings.TrimSpace(result.HardwareManagerVersion) == "" {
		return cleaningErrorf("agent on node %s returned no hardware manager version", n.ID)
	}

	byInterface := make(map[string][]node.CleanStep)
	total := 0
	for manager, steps := range result.StepsByManager {
		for _, raw := range steps {
			step, err := decodeRawStep(manager, raw)
			if err != nil {
				return err
			}
			byInterface[step.Interface] = append(byInterface[step.Interface], step)
			total++
		}
	}

	n.Session.CachedCleanSteps = byInterface
	n.Session.HardwareManagerVersion = result.HardwareManagerVersion
	n.Session.CleanStepsRefreshedAt = c.now().UTC()
	if err := c.store.Save(ctx, n); err != nil {
		return fmt.Errorf("persist clean step cache: %w", err)
	}

	c.reporter.RecordMetric(observability.Metric{
		Name:        "clean_step_cache_refreshes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Number of clean step catalogue refreshes.",
	})
	c.reporter.RecordEvent(ctx, observability.Event{
		Level:       observability.LevelInfo,
		Node:        n.ID,
		Correlation: correlationFrom(ctx),
		Event:       "clean_steps_refreshed",
		Fields: map[string]interface{}{
			"steps":                    total,
			"interfaces":               len(byInterface),
			"hardware_manager_version": result.HardwareManagerVersion,
		},
	})
	return nil
}

// decodeRawStep validates one agent-reported step. Interface, step and
// priority are mandatory; a catalogue entry missing any of them means the
// agent contract is broken and the whole refresh fails.
func decodeRawStep(manager string, raw agent.RawStep) (node.CleanStep, error) {
	iface, ok := raw["interface"].(string)
	if !ok || strings.TrimSpace(iface) == "" {
		return node.CleanStep{}, cleaningErrorf("hardware manager %s reported a step without an interface", manager)
	}
	name, ok := raw["step"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return node.CleanStep{}, cleaningErrorf("hardware manager %s reported a step without a name", manager)
	}
	priority, ok := stepPriority(raw["priority"])
	if !ok {
		return node.CleanStep{}, cleaningErrorf("hardware manager %s reported step %s.%s without a priority", manager, iface, name)
	}
	reboot, _ := raw["reboot_requested"].(bool)
	return node.CleanStep{
		Interface:       iface,
		Step:            name,
		Priority:        priority,
		RebootRequested: reboot,
	}, nil
}

func stepPriority(raw interface{}) (int, bool) {
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
