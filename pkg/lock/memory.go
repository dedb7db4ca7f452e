package lock

import (
	"context"
	"errors"
	"sync"
)

// MemoryManager serialises node access within a single process. It backs the
// memory store deployment, where heartbeats for the same node can still
// arrive concurrently over HTTP and must not interleave; without mutual
// exclusion two deliveries of the same agent callback would both match the
// same journal entry and double-advance the step sequence.
type MemoryManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryManager constructs a manager with no locks held.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{held: make(map[string]bool)}
}

// Acquire implements Manager with try-lock semantics: a node already held by
// another caller yields ErrNotAcquired immediately rather than blocking, so
// the contending heartbeat is skipped the same way the etcd manager skips it.
func (m *MemoryManager) Acquire(ctx context.Context, nodeID string) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if nodeID == "" {
		return nil, errors.New("lock: node ID must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[nodeID] {
		return nil, ErrNotAcquired
	}
	m.held[nodeID] = true
	return &memoryLease{manager: m, nodeID: nodeID}, nil
}

type memoryLease struct {
	manager *MemoryManager
	nodeID  string
	once    sync.Once
}

// Release implements Lease. Releasing twice is a no-op so deferred releases
// stay safe on every code path.
func (l *memoryLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		delete(l.manager.held, l.nodeID)
		l.manager.mu.Unlock()
	})
	return nil
}

var _ Manager = (*MemoryManager)(nil)
var _ Lease = (*memoryLease)(nil)
