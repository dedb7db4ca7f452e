// Package testutil provides shared test fixtures, most importantly a
// single-member embedded etcd for exercising the etcd-backed node store and
// lock manager without an external cluster.
package testutil

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// EmbeddedEtcd wraps an in-process etcd member and the client endpoints it
// actually bound to.
type EmbeddedEtcd struct {
	Server    *embed.Etcd
	Endpoints []string
}

// StartEmbeddedEtcd boots an in-process etcd listening on ephemeral ports and
// registers its teardown with the test. Endpoints reflect the kernel-assigned
// ports, so parallel tests never collide.
func StartEmbeddedEtcd(t testing.TB) *EmbeddedEtcd {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.EnableGRPCGateway = false

	peer := ephemeralURL(t)
	client := ephemeralURL(t)
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peer.String())
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed to start embedded etcd: %v", err)
	}

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(startupTimeout):
		server.Server.Stop()
		<-server.Server.StopNotify()
		t.Fatalf("embedded etcd did not become ready within %s", startupTimeout)
	}

	endpoints := make([]string, 0, len(server.Clients))
	for _, listener := range server.Clients {
		endpoints = append(endpoints, listener.Addr().String())
	}

	t.Cleanup(func() {
		server.Close()
		select {
		case <-server.Server.StopNotify():
		case <-time.After(shutdownTimeout):
		}
	})

	return &EmbeddedEtcd{Server: server, Endpoints: endpoints}
}

func ephemeralURL(t testing.TB) url.URL {
	t.Helper()

	parsed, err := url.Parse("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to parse fixture url: %v", err)
	}
	return *parsed
}
