package node

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound indicates that no node with the requested ID exists.
var ErrNotFound = errors.New("node: not found")

// Store persists node records. Implementations must return snapshots from Get
// and List so callers can mutate freely before saving.
type Store interface {
	Get(ctx context.Context, id string) (*Node, error)
	Save(ctx context.Context, n *Node) error
	List(ctx context.Context) ([]*Node, error)
}

// MemoryStore keeps nodes in process memory. It backs tests and
// single-conductor deployments that do not need durable state.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*Node)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Node, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, n *Node) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if n == nil {
		return errors.New("node must not be nil")
	}
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("node ID must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n.Clone()
	return nil
}

// List implements Store. Nodes are returned in stable ID order.
func (s *MemoryStore) List(ctx context.Context) ([]*Node, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
