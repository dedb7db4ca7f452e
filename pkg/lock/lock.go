package lock

import (
	"context"
	"errors"
)

var (
	// ErrNotAcquired indicates that another conductor currently holds the
	// node's lock. Heartbeat handling treats this as "skip, the other holder
	// is progressing the node", never as a failure.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager coordinates exclusive, per-node access across conductor processes.
type Manager interface {
	Acquire(ctx context.Context, nodeID string) (Lease, error)
}

// Lease represents a held node lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// NoopManager hands out immediately acquired leases without any remote
// coordination. It serves single-conductor deployments and tests.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context, nodeID string) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if nodeID == "" {
		return nil, errors.New("lock: node ID must not be empty")
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = (*noopLease)(nil)
