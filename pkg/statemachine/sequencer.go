package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
)

// Reporter consumes sequencing events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

type noopReporter struct{}

func (noopReporter) RecordEvent(context.Context, observability.Event) {}
func (noopReporter) RecordMetric(observability.Metric)                {}

// Sequencer executes event tokens against a node: it performs the state
// transition and, on resume, picks the next clean step from the cached
// catalogue and dispatches it to the agent. It is the "scheduling layer" the
// heartbeat core delegates to.
type Sequencer struct {
	engine   *Engine
	agent    agent.Client
	store    node.Store
	reporter Reporter
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithSequencerReporter attaches an observability reporter.
func WithSequencerReporter(rep Reporter) SequencerOption {
	return func(s *Sequencer) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// NewSequencer constructs a Sequencer with the provided collaborators.
func NewSequencer(engine *Engine, agentClient agent.Client, store node.Store, opts ...SequencerOption) (*Sequencer, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if agentClient == nil {
		return nil, errors.New("agent client must not be nil")
	}
	if store == nil {
		return nil, errors.New("node store must not be nil")
	}
	sequencer := &Sequencer{
		engine:   engine,
		agent:    agentClient,
		store:    store,
		reporter: noopReporter{},
	}
	for _, opt := range opts {
		opt(sequencer)
	}
	return sequencer, nil
}

// ProcessEvent applies one event token to the node and persists the result.
func (s *Sequencer) ProcessEvent(ctx context.Context, n *node.Node, event string) error {
	if n == nil {
		return errors.New("node must not be nil")
	}

	switch event {
	case EventResume:
		if err := s.engine.Transition(ctx, n, EventResume); err != nil {
			return err
		}
		return s.advance(ctx, n)
	case EventWait, EventFail:
		if err := s.engine.Transition(ctx, n, event); err != nil {
			return err
		}
		return s.store.Save(ctx, n)
	case EventDone:
		if err := s.engine.Transition(ctx, n, EventDone); err != nil {
			return err
		}
		n.CleanStep = node.CleanStep{}
		n.Session.ResetCycle()
		return s.store.Save(ctx, n)
	default:
		return fmt.Errorf("unknown state machine event %q", event)
	}
}

// advance dispatches the next clean step, or finishes the cycle when the
// catalogue is exhausted.
func (s *Sequencer) advance(ctx context.Context, n *node.Node) error {
	next, ok := s.nextStep(n)
	if !ok {
		n.CleanStep = node.CleanStep{}
		if err := s.engine.Transition(ctx, n, EventDone); err != nil {
			return err
		}
		n.Session.ResetCycle()
		s.recordCleaning(ctx, n, "cleaning_finished", map[string]interface{}{
			"final_state": string(n.ProvisionState),
		})
		return s.store.Save(ctx, n)
	}

	if err := s.agent.ExecuteCleanStep(ctx, n, next); err != nil {
		return fmt.Errorf("dispatch clean step %s: %w", next, err)
	}
	n.CleanStep = next
	n.Session.SkipCurrentCleanStep = true
	if err := s.engine.Transition(ctx, n, EventWait); err != nil {
		return err
	}
	s.recordCleaning(ctx, n, "clean_step_dispatched", map[string]interface{}{
		"step":             next.String(),
		"priority":         next.Priority,
		"reboot_requested": next.RebootRequested,
	})
	return s.store.Save(ctx, n)
}

// nextStep picks the step to run. When the skip marker is cleared the
// current step runs again (manual cleaning after a hardware-manager version
// change); otherwise the step after the current one is chosen.
func (s *Sequencer) nextStep(n *node.Node) (node.CleanStep, bool) {
	steps := FlattenSteps(n.Session.CachedCleanSteps)
	if len(steps) == 0 {
		return node.CleanStep{}, false
	}
	if n.CleanStep.IsZero() {
		return steps[0], true
	}

	current := -1
	for i, step := range steps {
		if step.Same(n.CleanStep) {
			current = i
			break
		}
	}
	if current >= 0 && !n.Session.SkipCurrentCleanStep {
		return steps[current], true
	}
	if current < 0 {
		s.reporter.RecordEvent(context.Background(), observability.Event{
			Level: observability.LevelWarn,
			Node:  n.ID,
			Event: "clean_step_missing_from_catalogue",
			Fields: map[string]interface{}{
				"step": n.CleanStep.String(),
			},
		})
		return node.CleanStep{}, false
	}
	if current+1 >= len(steps) {
		return node.CleanStep{}, false
	}
	return steps[current+1], true
}

func (s *Sequencer) recordCleaning(ctx context.Context, n *node.Node, event string, fields map[string]interface{}) {
	s.reporter.RecordMetric(observability.Metric{
		Name:        "clean_sequencer_events_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"event": event},
		Description: "Number of cleaning sequencer actions grouped by event.",
	})
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelInfo,
		Node:   n.ID,
		Event:  event,
		Fields: fields,
	})
}

// FlattenSteps orders the cached per-interface catalogue into one execution
// sequence: highest priority first, ties broken by interface then step name
// so the order is stable across conductors.
func FlattenSteps(byInterface map[string][]node.CleanStep) []node.CleanStep {
	var steps []node.CleanStep
	for _, group := range byInterface {
		steps = append(steps, group...)
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Priority != steps[j].Priority {
			return steps[i].Priority > steps[j].Priority
		}
		if steps[i].Interface != steps[j].Interface {
			return steps[i].Interface < steps[j].Interface
		}
		return steps[i].Step < steps[j].Step
	})
	return steps
}
