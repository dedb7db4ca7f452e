package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalkiln/metalkiln/pkg/lock"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
)

// Escalator is the sweeper's view of failure handling; the Conductor
// satisfies it.
type Escalator interface {
	Escalate(ctx context.Context, n *node.Node, message string)
}

// Sweeper periodically scans for nodes whose agent stopped heartbeating
// while the conductor was waiting on it, and escalates them. Heartbeats keep
// Session.AgentLastHeartbeat fresh; a node sitting in a wait state past the
// timeout has a dead or wedged ramdisk and will never progress on its own.
type Sweeper struct {
	store     node.Store
	locker    lock.Manager
	escalator Escalator
	timeout   time.Duration
	interval  time.Duration

	reporter     Reporter
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	errorHandler func(error)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperReporter attaches an observability reporter.
func WithSweeperReporter(rep Reporter) SweeperOption {
	return func(s *Sweeper) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// WithSweeperTimeSource injects a custom time source for tests.
func WithSweeperTimeSource(fn func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSweeperSleeper overrides how the sweeper waits between scans.
func WithSweeperSleeper(fn func(ctx context.Context, d time.Duration) error) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithSweeperErrorHandler receives scan errors that do not stop the loop.
func WithSweeperErrorHandler(fn func(error)) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store node.Store, locker lock.Manager, escalator Escalator, timeout, interval time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("node store must not be nil")
	}
	if locker == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	if escalator == nil {
		return nil, errors.New("escalator must not be nil")
	}
	if timeout <= 0 {
		return nil, errors.New("heartbeat timeout must be positive")
	}
	if interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}

	sweeper := &Sweeper{
		store:        store,
		locker:       locker,
		escalator:    escalator,
		timeout:      timeout,
		interval:     interval,
		reporter:     NoopReporter{},
		now:          time.Now,
		sleep:        sleepWithContext,
		errorHandler: func(error) {},
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	return sweeper, nil
}

// Run scans on every interval tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if err := s.Sweep(ctx); err != nil {
			s.errorHandler(err)
		}
		if err := s.sleep(ctx, s.interval); err != nil {
			return err
		}
	}
}

// Sweep performs one scan. Nodes are escalated one at a time under their own
// lock; a node that cannot be locked is being worked on by a conductor right
// now and is skipped, and its heartbeat is re-read under the lock before
// escalating so a heartbeat that raced the scan wins.
func (s *Sweeper) Sweep(ctx context.Context) error {
	nodes, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	stateCounts := make(map[node.ProvisionState]int)
	deadline := s.now().UTC().Add(-s.timeout)
	for _, n := range nodes {
		stateCounts[n.ProvisionState]++
		if !waitingOnAgent(n) || n.Maintenance {
			continue
		}
		if n.Session.AgentLastHeartbeat.IsZero() || n.Session.AgentLastHeartbeat.After(deadline) {
			continue
		}
		if err := s.escalateStale(ctx, n.ID, deadline); err != nil {
			s.errorHandler(err)
		}
	}

	for state, count := range stateCounts {
		s.reporter.RecordMetric(observability.Metric{
			Name:        "nodes_by_provision_state",
			Type:        observability.MetricGauge,
			Value:       float64(count),
			Labels:      map[string]string{"provision_state": string(state)},
			Description: "Number of nodes per provision state.",
		})
	}
	return nil
}

func (s *Sweeper) escalateStale(ctx context.Context, nodeID string, deadline time.Time) error {
	lease, err := s.locker.Acquire(ctx, nodeID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		return fmt.Errorf("acquire node lock for %s: %w", nodeID, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.errorHandler(fmt.Errorf("release node lock for %s: %w", nodeID, err))
		}
	}()

	n, err := s.store.Get(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("load node %s: %w", nodeID, err)
	}
	if !waitingOnAgent(n) || n.Maintenance || n.Session.AgentLastHeartbeat.After(deadline) {
		return nil
	}

	s.reporter.RecordMetric(observability.Metric{
		Name:        "heartbeat_timeouts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"provision_state": string(n.ProvisionState)},
		Description: "Number of nodes escalated because their agent stopped heartbeating.",
	})
	s.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelError,
		Node:  n.ID,
		Event: "agent_heartbeat_timeout",
		Fields: map[string]interface{}{
			"provision_state": string(n.ProvisionState),
			"last_heartbeat":  n.Session.AgentLastHeartbeat.Format(time.RFC3339),
			"timeout_seconds": s.timeout.Seconds(),
		},
	})

	s.escalator.Escalate(ctx, n, fmt.Sprintf("agent heartbeat timed out on node %s after %s (last heartbeat %s)", n.ID, s.timeout, n.Session.AgentLastHeartbeat.Format(time.RFC3339)))
	return nil
}

func waitingOnAgent(n *node.Node) bool {
	switch n.ProvisionState {
	case node.StateDeployWait, node.StateCleanWait, node.StateRescueWait:
		return true
	default:
		return false
	}
}

// sleepWithContext blocks for the duration or until the context is done,
// returning the context error in the latter case.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
