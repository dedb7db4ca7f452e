package conductor

import (
	"context"
	"testing"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/node"
)

func noopHook(context.Context, *node.Node, agent.Command) error { return nil }

func TestHookBuilderRegisterAndLookup(t *testing.T) {
	builder := NewHookBuilder()
	if err := builder.Register("raid", "create_configuration", noopHook); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if err := builder.Register("deploy", "erase_devices", noopHook); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	registry := builder.Build()
	if registry.Len() != 2 {
		t.Fatalf("expected 2 hooks, got %d", registry.Len())
	}
	if _, ok := registry.Lookup("raid", "create_configuration"); !ok {
		t.Fatalf("expected hook for raid.create_configuration")
	}
	if _, ok := registry.Lookup("raid", "delete_configuration"); ok {
		t.Fatalf("unexpected hook for unregistered step")
	}
}

func TestHookBuilderRejectsDuplicates(t *testing.T) {
	builder := NewHookBuilder()
	if err := builder.Register("raid", "create_configuration", noopHook); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if err := builder.Register("raid", "create_configuration", noopHook); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestHookBuilderRejectsInvalidRegistrations(t *testing.T) {
	builder := NewHookBuilder()
	if err := builder.Register("", "create_configuration", noopHook); err == nil {
		t.Fatalf("expected empty interface to fail")
	}
	if err := builder.Register("raid", "", noopHook); err == nil {
		t.Fatalf("expected empty step to fail")
	}
	if err := builder.Register("raid", "create_configuration", nil); err == nil {
		t.Fatalf("expected nil hook to fail")
	}
}

func TestHookRegistryBuildIsImmutable(t *testing.T) {
	builder := NewHookBuilder()
	if err := builder.Register("raid", "create_configuration", noopHook); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	registry := builder.Build()

	// Registrations after Build must not leak into the frozen registry.
	if err := builder.Register("deploy", "erase_devices", noopHook); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected frozen registry to keep 1 hook, got %d", registry.Len())
	}
}

func TestNilHookRegistryLookup(t *testing.T) {
	var registry *HookRegistry
	if _, ok := registry.Lookup("raid", "create_configuration"); ok {
		t.Fatalf("nil registry must report no hooks")
	}
	if registry.Len() != 0 {
		t.Fatalf("nil registry must report zero hooks")
	}
}
