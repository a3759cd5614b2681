package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/node"
	"github.com/austindbirch/harbor_mesh/internal/scheduler"
)

type mockPinger struct {
	pingError error
	called    bool
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.called = true
	if _, ok := ctx.Deadline(); !ok {
		return context.DeadlineExceeded
	}
	return m.pingError
}

func runningNode() node.Status {
	return node.Status{
		Address:     "test:orders:1",
		ServiceID:   "orders",
		InstanceID:  "1",
		Initialized: true,
		Scheduler:   scheduler.Stats{QueueDepth: 3, Running: 2, ConcurrencyLimit: 100},
	}
}

func TestHTTPHandler(t *testing.T) {
	stopped := runningNode()
	stopped.Stopped = true

	tests := []struct {
		name               string
		status             func() node.Status
		pinger             *mockPinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "no node and no database",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "running node",
			status:             runningNode,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "running node with working database",
			status:             runningNode,
			pinger:             &mockPinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "database ping failure",
			status:             runningNode,
			pinger:             &mockPinger{pingError: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed"},
		},
		{
			name:               "stopped node",
			status:             func() node.Status { return stopped },
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "node not running"},
		},
		{
			name:               "uninitialized node",
			status:             func() node.Status { return node.Status{} },
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "node not running"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pinger Pinger
			if tt.pinger != nil {
				pinger = tt.pinger
			}
			handler := HTTPHandler(tt.status, pinger)

			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("HTTPHandler() Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("HTTPHandler() Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			if status.Database != tt.expectedStatus.Database {
				t.Errorf("HTTPHandler() Status.Database = %v, want %v", status.Database, tt.expectedStatus.Database)
			}
			if tt.pinger != nil && !tt.pinger.called {
				t.Error("HTTPHandler() did not ping the database")
			}
			if (tt.status != nil) != (status.Node != nil) {
				t.Errorf("HTTPHandler() Status.Node = %+v, want node status only when a node is set", status.Node)
			}
		})
	}
}

func TestHTTPHandlerReportsSchedulerLoad(t *testing.T) {
	handler := HTTPHandler(runningNode, nil)
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/healthz", nil))

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if status.Node == nil {
		t.Fatal("Status.Node is nil")
	}
	if status.Node.Scheduler.QueueDepth != 3 || status.Node.Scheduler.Running != 2 {
		t.Errorf("Status.Node.Scheduler = %+v, want queue 3 running 2", status.Node.Scheduler)
	}
	if status.Node.Address != "test:orders:1" {
		t.Errorf("Status.Node.Address = %q", status.Node.Address)
	}
}

func TestHTTPHandler_RequestContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	cancel()

	pinger := &mockPinger{}
	handler := HTTPHandler(runningNode, pinger)
	req := httptest.NewRequest("GET", "/healthz", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	handler(w, req)

	if !pinger.called {
		t.Error("HTTPHandler() should still ping with a cancelled request context")
	}
}
