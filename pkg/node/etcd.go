package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreOptions configures the etcd-backed node store.
type EtcdStoreOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Prefix      string
	TLS         *tls.Config
}

// EtcdStore persists one JSON node record per key under a shared prefix.
// Multi-conductor deployments rely on the per-node lock manager for write
// serialisation; the store itself performs plain puts.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore constructs a node store backed by etcd.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd node store requires at least one endpoint")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "/nodes"
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdStore{
		client: client,
		prefix: applyNamespace(opts.Namespace, prefix),
	}, nil
}

// Close releases underlying client resources.
func (s *EtcdStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func (s *EtcdStore) key(id string) string {
	return s.prefix + "/" + id
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, id string) (*Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("node ID must not be empty")
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)
	resp, err := s.client.Get(linearizableCtx, s.key(id))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("read node key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var n Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &n); err != nil {
		return nil, fmt.Errorf("parse node payload: %w", err)
	}
	return &n, nil
}

// Save implements Store.
func (s *EtcdStore) Save(ctx context.Context, n *Node) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if n == nil {
		return errors.New("node must not be nil")
	}
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("node ID must not be empty")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node payload: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(n.ID), string(payload)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store node payload: %w", err)
	}
	return nil
}

// List implements Store.
func (s *EtcdStore) List(ctx context.Context) ([]*Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)
	resp, err := s.client.Get(linearizableCtx, s.prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("list node keys: %w", err)
	}

	nodes := make([]*Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, fmt.Errorf("parse node payload at %s: %w", string(kv.Key), err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, nil
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ Store = (*EtcdStore)(nil)
