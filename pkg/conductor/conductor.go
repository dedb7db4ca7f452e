// Package conductor implements the heartbeat-driven deploy and cleaning core
// of the provisioning service. Every heartbeat from a node's ramdisk agent is
// processed under that node's exclusive lock; the conductor reconstructs the
// session's progress from the agent's polled command journal, decides what
// happens next, and emits event tokens to the state machine collaborator. It
// never flips provision states itself.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/lock"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/power"
)

// CleaningError marks a protocol-contract violation in the agent's cleaning
// responses: malformed step catalogues, missing version tokens. These are
// escalation-worthy failures, never panics, because the agent is an
// untrusted, independently versioned remote component.
type CleaningError struct {
	Message string
}

func (e *CleaningError) Error() string {
	return "cleaning: " + e.Message
}

func cleaningErrorf(format string, args ...interface{}) error {
	return &CleaningError{Message: fmt.Sprintf(format, args...)}
}

// EventProcessor is the state machine collaborator. The conductor emits
// "resume", "wait" and "done" tokens through it plus the escalator's "fail";
// the processor owns the actual provision-state transition and any follow-up
// scheduling (such as dispatching the next clean step).
type EventProcessor interface {
	ProcessEvent(ctx context.Context, n *node.Node, event string) error
}

// Conductor drives deploy and cleaning workflows from agent heartbeats.
type Conductor struct {
	agent   agent.Client
	locker  lock.Manager
	store   node.Store
	events  EventProcessor
	power   power.Manager
	boot    power.BootManager
	network power.NetworkManager
	hooks   *HookRegistry

	reporter        Reporter
	now             func() time.Time
	correlationID   func() string
	softOffAttempts uint64
	softOffMin      time.Duration
	softOffMax      time.Duration
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithReporter attaches an observability reporter.
func WithReporter(rep Reporter) Option {
	return func(c *Conductor) {
		if rep != nil {
			c.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(c *Conductor) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithHookRegistry installs the post-step hook table.
func WithHookRegistry(reg *HookRegistry) Option {
	return func(c *Conductor) {
		if reg != nil {
			c.hooks = reg
		}
	}
}

// WithCorrelationIDFunc overrides how heartbeat correlation IDs are minted.
func WithCorrelationIDFunc(fn func() string) Option {
	return func(c *Conductor) {
		if fn != nil {
			c.correlationID = fn
		}
	}
}

// WithSoftPowerOffPolicy bounds the in-band soft power off retries performed
// before falling back to a hard power off during deploy completion.
func WithSoftPowerOffPolicy(attempts uint64, min, max time.Duration) Option {
	return func(c *Conductor) {
		c.softOffAttempts = attempts
		if min > 0 {
			c.softOffMin = min
		}
		if max >= c.softOffMin {
			c.softOffMax = max
		}
	}
}

// New constructs a Conductor with the provided collaborators.
func New(agentClient agent.Client, locker lock.Manager, store node.Store, events EventProcessor, powerMgr power.Manager, bootMgr power.BootManager, networkMgr power.NetworkManager, opts ...Option) (*Conductor, error) {
	if agentClient == nil {
		return nil, errors.New("agent client must not be nil")
	}
	if locker == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	if store == nil {
		return nil, errors.New("node store must not be nil")
	}
	if events == nil {
		return nil, errors.New("event processor must not be nil")
	}
	if powerMgr == nil {
		return nil, errors.New("power manager must not be nil")
	}
	if bootMgr == nil {
		return nil, errors.New("boot manager must not be nil")
	}
	if networkMgr == nil {
		return nil, errors.New("network manager must not be nil")
	}

	conductor := &Conductor{
		agent:           agentClient,
		locker:          locker,
		store:           store,
		events:          events,
		power:           powerMgr,
		boot:            bootMgr,
		network:         networkMgr,
		hooks:           NewHookBuilder().Build(),
		reporter:        NoopReporter{},
		now:             time.Now,
		correlationID:   func() string { return uuid.NewString() },
		softOffAttempts: 3,
		softOffMin:      2 * time.Second,
		softOffMax:      15 * time.Second,
	}

	for _, opt := range opts {
		opt(conductor)
	}

	if conductor.reporter == nil {
		conductor.reporter = NoopReporter{}
	}
	if conductor.now == nil {
		conductor.now = time.Now
	}

	return conductor, nil
}
