package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/transport/nsq"
)

func fakeNSQD(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestMetricsExposeMeshTopics(t *testing.T) {
	nsqd := fakeNSQD(t, `{
		"topics": [
			{
				"topic_name": "monitor-test.orders",
				"depth": 7,
				"channels": [{"channel_name": "a1#ephemeral", "depth": 7, "in_flight_count": 2}]
			},
			{
				"topic_name": "deliveries",
				"depth": 3,
				"channels": [{"channel_name": "workers", "depth": 3, "in_flight_count": 0}]
			}
		]
	}`)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	monitor := nsq.NewStatsMonitor(nsqd.URL, "monitor-test", time.Second, logging.Nop())
	require.NoError(t, monitor.Update(context.Background()))

	code, body := get(t, newMux(reg), "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `harbormesh_nsq_topic_depth{channel="a1#ephemeral",topic="monitor-test.orders"} 7`)
	assert.NotContains(t, body, `topic="deliveries"`)
}

func TestHealth(t *testing.T) {
	code, body := get(t, newMux(prometheus.NewRegistry()), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", strings.TrimSpace(body))
}

func TestMonitorReportsNSQDFailure(t *testing.T) {
	nsqd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer nsqd.Close()

	monitor := nsq.NewStatsMonitor(nsqd.URL, "monitor-test", time.Second, logging.Nop())
	assert.Error(t, monitor.Update(context.Background()))
}
