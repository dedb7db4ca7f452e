package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
)

type recordedHeartbeat struct {
	nodeID      string
	callbackURL string
}

type fakeHeartbeats struct {
	err   error
	calls []recordedHeartbeat
}

func (f *fakeHeartbeats) Heartbeat(_ context.Context, nodeID, callbackURL string) error {
	f.calls = append(f.calls, recordedHeartbeat{nodeID: nodeID, callbackURL: callbackURL})
	return f.err
}

type recordedEvents struct {
	events []observability.Event
}

func (r *recordedEvents) RecordEvent(_ context.Context, evt observability.Event) {
	r.events = append(r.events, evt)
}

func (r *recordedEvents) has(name string) bool {
	for _, evt := range r.events {
		if evt.Event == name {
			return true
		}
	}
	return false
}

func testServer(t *testing.T, heartbeats *fakeHeartbeats, opts ...Option) (*Server, *node.MemoryStore, *recordedEvents) {
	t.Helper()

	store := node.NewMemoryStore()
	recorder := &recordedEvents{}
	srv, err := New("127.0.0.1:0", heartbeats, store, append([]Option{WithReporter(recorder)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, store, recorder
}

func TestHeartbeatAccepted(t *testing.T) {
	heartbeats := &fakeHeartbeats{}
	srv, _, _ := testServer(t, heartbeats)

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat/node-a",
		strings.NewReader(`{"callback_url": "http://192.0.2.10:9999"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(heartbeats.calls) != 1 {
		t.Fatalf("expected 1 heartbeat call, got %d", len(heartbeats.calls))
	}
	call := heartbeats.calls[0]
	if call.nodeID != "node-a" || call.callbackURL != "http://192.0.2.10:9999" {
		t.Fatalf("unexpected heartbeat call %+v", call)
	}
}

func TestHeartbeatWithoutCallbackURLIsRejected(t *testing.T) {
	heartbeats := &fakeHeartbeats{}
	srv, _, _ := testServer(t, heartbeats)

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat/node-a", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(heartbeats.calls) != 0 {
		t.Fatalf("a malformed request must not reach the conductor, got %v", heartbeats.calls)
	}
}

func TestHeartbeatProcessingFailure(t *testing.T) {
	heartbeats := &fakeHeartbeats{err: errors.New("store unavailable")}
	srv, _, recorder := testServer(t, heartbeats)

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat/node-a",
		strings.NewReader(`{"callback_url": "http://192.0.2.10:9999"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "store unavailable") {
		t.Fatalf("internal error details must not leak to the agent: %s", rec.Body.String())
	}
	if !recorder.has("heartbeat_request_failed") {
		t.Fatalf("expected failure event, got %v", recorder.events)
	}
}

func TestGetNode(t *testing.T) {
	srv, store, _ := testServer(t, &fakeHeartbeats{})
	n := &node.Node{ID: "node-a", ProvisionState: node.StateCleanWait}
	if err := store.Save(context.Background(), n); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes/node-a", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got node.Node
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "node-a" || got.ProvisionState != node.StateCleanWait {
		t.Fatalf("unexpected node %+v", got)
	}
}

func TestGetUnknownNodeReturnsNotFound(t *testing.T) {
	srv, _, _ := testServer(t, &fakeHeartbeats{})

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes/node-missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListNodes(t *testing.T) {
	srv, store, _ := testServer(t, &fakeHeartbeats{})
	for _, id := range []string{"node-b", "node-a"} {
		if err := store.Save(context.Background(), &node.Node{ID: id, ProvisionState: node.StateAvailable}); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Nodes []node.Node `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(body.Nodes))
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t, &fakeHeartbeats{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsRouteMountedWhenConfigured(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metalkiln_heartbeats_total 42"))
	})
	srv, _, _ := testServer(t, &fakeHeartbeats{}, WithMetricsHandler(metrics))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "metalkiln_heartbeats_total") {
		t.Fatalf("expected mounted metrics handler, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsRouteAbsentByDefault(t *testing.T) {
	srv, _, _ := testServer(t, &fakeHeartbeats{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", rec.Code)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	store := node.NewMemoryStore()
	if _, err := New("", &fakeHeartbeats{}, store); err == nil {
		t.Fatalf("expected empty listen address to fail")
	}
	if _, err := New("127.0.0.1:0", nil, store); err == nil {
		t.Fatalf("expected nil heartbeat handler to fail")
	}
	if _, err := New("127.0.0.1:0", &fakeHeartbeats{}, nil); err == nil {
		t.Fatalf("expected nil store to fail")
	}
}
