package conductor

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
)

// PostStepHook runs after a specific clean step succeeds, before the node
// advances. The node lock is held for the duration of the call. A hook error
// is treated as a step failure, not swallowed.
type PostStepHook func(ctx context.Context, n *node.Node, completed agent.Command) error

type hookKey struct {
	iface string
	step  string
}

// HookRegistry is an immutable lookup table of post-step hooks keyed by
// (interface, step). It is built once at process start and safe for
// concurrent use without locking.
type HookRegistry struct {
	hooks map[hookKey]PostStepHook
}

// Lookup returns the hook registered for the step, if any.
func (r *HookRegistry) Lookup(iface, step string) (PostStepHook, bool) {
	if r == nil {
		return nil, false
	}
	hook, ok := r.hooks[hookKey{iface: iface, step: step}]
	return hook, ok
}

// Len returns the number of registered hooks.
func (r *HookRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.hooks)
}

// HookBuilder accumulates hook registrations during process startup.
// Duplicate registration for the same (interface, step) is a configuration
// error, not a silent overwrite.
type HookBuilder struct {
	hooks map[hookKey]PostStepHook
}

// NewHookBuilder constructs an empty builder.
func NewHookBuilder() *HookBuilder {
	return &HookBuilder{hooks: make(map[hookKey]PostStepHook)}
}

// Register adds a hook for the given step.
func (b *HookBuilder) Register(iface, step string, hook PostStepHook) error {
	if strings.TrimSpace(iface) == "" || strings.TrimSpace(step) == "" {
		return fmt.Errorf("hook registration requires interface and step, got (%q, %q)", iface, step)
	}
	if hook == nil {
		return fmt.Errorf("hook for (%s, %s) must not be nil", iface, step)
	}
	key := hookKey{iface: iface, step: step}
	if _, exists := b.hooks[key]; exists {
		return fmt.Errorf("hook for (%s, %s) is already registered", iface, step)
	}
	b.hooks[key] = hook
	return nil
}

// Build freezes the registrations into an immutable registry. The builder
// can be discarded afterwards.
func (b *HookBuilder) Build() *HookRegistry {
	frozen := make(map[hookKey]PostStepHook, len(b.hooks))
	for key, hook := range b.hooks {
		frozen[key] = hook
	}
	return &HookRegistry{hooks: frozen}
}
