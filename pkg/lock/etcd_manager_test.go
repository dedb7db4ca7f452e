package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metalkiln/metalkiln/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, conductorName string) *EtcdManager {
	t.Helper()

	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints:     endpoints,
		LockPrefix:    "/metalkiln/nodes",
		Namespace:     "metalkiln-test",
		TTL:           10 * time.Second,
		ConductorName: conductorName,
	})
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireReleaseCycle(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "conductor-1")

	ctx := context.Background()
	lease, err := manager.Acquire(ctx, "node-a")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	// Released locks are immediately re-acquirable.
	lease, err = manager.Acquire(ctx, "node-a")
	if err != nil {
		t.Fatalf("expected re-acquire after release, got %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
}

func TestEtcdManagerContentionReturnsErrNotAcquired(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "conductor-1")
	second := newTestManager(t, cluster.Endpoints, "conductor-2")

	ctx := context.Background()
	lease, err := first.Acquire(ctx, "node-a")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	defer func() { _ = lease.Release(ctx) }()

	if _, err := second.Acquire(ctx, "node-a"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestEtcdManagerLocksAreScopedPerNode(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	first := newTestManager(t, cluster.Endpoints, "conductor-1")
	second := newTestManager(t, cluster.Endpoints, "conductor-2")

	ctx := context.Background()
	leaseA, err := first.Acquire(ctx, "node-a")
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	defer func() { _ = leaseA.Release(ctx) }()

	// A different node must not contend with node-a's lock.
	leaseB, err := second.Acquire(ctx, "node-b")
	if err != nil {
		t.Fatalf("expected independent per-node locks, got %v", err)
	}
	if err := leaseB.Release(ctx); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
}

func TestEtcdManagerValidatesOptions(t *testing.T) {
	cases := []struct {
		name string
		opts EtcdManagerOptions
	}{
		{"missing endpoints", EtcdManagerOptions{LockPrefix: "/l", TTL: time.Second, ConductorName: "c"}},
		{"missing prefix", EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, TTL: time.Second, ConductorName: "c"}},
		{"missing TTL", EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, LockPrefix: "/l", ConductorName: "c"}},
		{"missing conductor name", EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, LockPrefix: "/l", TTL: time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEtcdManager(tc.opts); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func TestApplyNamespace(t *testing.T) {
	cases := []struct {
		namespace string
		key       string
		want      string
	}{
		{"", "/metalkiln/nodes", "/metalkiln/nodes"},
		{"prod", "/metalkiln/nodes", "/prod/metalkiln/nodes"},
		{"/prod/", "metalkiln/nodes", "/prod/metalkiln/nodes"},
	}
	for _, tc := range cases {
		if got := applyNamespace(tc.namespace, tc.key); got != tc.want {
			t.Fatalf("applyNamespace(%q, %q) = %q, want %q", tc.namespace, tc.key, got, tc.want)
		}
	}
}
