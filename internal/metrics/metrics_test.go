package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordTask(true)
	RecordRequest("ping", "success", 10*time.Millisecond)
	RecordHandled("ping", true)
	RecordEviction("svc")
	RecordLobby("CHECKIN")
	UpdateNSQTopicDepth("mesh.lobby", "a#ephemeral", 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	expected := []string{
		"harbormesh_scheduler_queue_depth",
		"harbormesh_scheduler_running_tasks",
		"harbormesh_scheduler_tasks_total",
		"harbormesh_requests_total",
		"harbormesh_request_duration_seconds",
		"harbormesh_handled_requests_total",
		"harbormesh_status_updates_total",
		"harbormesh_unknown_responses_total",
		"harbormesh_discovery_evictions_total",
		"harbormesh_lobby_announcements_total",
		"harbormesh_node_load",
		"harbormesh_requests_per_interval",
		"harbormesh_nsq_topic_depth",
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordTask(t *testing.T) {
	SchedulerTasksTotal.Reset()

	tests := []struct {
		name    string
		success bool
		calls   int
		label   string
	}{
		{name: "successful tasks", success: true, calls: 3, label: "success"},
		{name: "failed tasks", success: false, calls: 2, label: "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTask(tt.success)
			}
			got := testutil.ToFloat64(SchedulerTasksTotal.WithLabelValues(tt.label))
			if got != float64(tt.calls) {
				t.Errorf("RecordTask(%v) counter = %f, want %d", tt.success, got, tt.calls)
			}
		})
	}
}

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	tests := []struct {
		name        string
		requestType string
		outcome     string
		latency     time.Duration
		calls       int
	}{
		{name: "success", requestType: "ping", outcome: "success", latency: 5 * time.Millisecond, calls: 2},
		{name: "timeout", requestType: "ping", outcome: "timeout", latency: time.Second, calls: 1},
		{name: "remote error", requestType: "echo", outcome: "remote_error", latency: time.Millisecond, calls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordRequest(tt.requestType, tt.outcome, tt.latency)
			}
			got := testutil.ToFloat64(RequestsTotal.WithLabelValues(tt.requestType, tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("RecordRequest() counter = %f, want %d", got, tt.calls)
			}
		})
	}

	if n := testutil.CollectAndCount(RequestDuration); n != 2 {
		t.Errorf("RequestDuration series = %d, want 2", n)
	}
}

func TestGauges(t *testing.T) {
	UpdateScheduler(7, 3)
	UpdateNodeLoad(7)
	UpdateRequestsPerInterval(100)

	tests := []struct {
		name  string
		gauge prometheus.Gauge
		want  float64
	}{
		{name: "queue depth", gauge: SchedulerQueueDepth, want: 7},
		{name: "running tasks", gauge: SchedulerRunningTasks, want: 3},
		{name: "node load", gauge: NodeLoad, want: 7},
		{name: "requests per interval", gauge: RequestsPerInterval, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.gauge); got != tt.want {
				t.Errorf("%s = %f, want %f", tt.name, got, tt.want)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	DiscoveryEvictionsTotal.Reset()
	before := testutil.ToFloat64(StatusUpdatesTotal)
	unknownBefore := testutil.ToFloat64(UnknownResponsesTotal)

	RecordStatusUpdate()
	RecordStatusUpdate()
	RecordUnknownResponse()
	RecordEviction("billing")

	if got := testutil.ToFloat64(StatusUpdatesTotal) - before; got != 2 {
		t.Errorf("StatusUpdatesTotal delta = %f, want 2", got)
	}
	if got := testutil.ToFloat64(UnknownResponsesTotal) - unknownBefore; got != 1 {
		t.Errorf("UnknownResponsesTotal delta = %f, want 1", got)
	}
	if got := testutil.ToFloat64(DiscoveryEvictionsTotal.WithLabelValues("billing")); got != 1 {
		t.Errorf("DiscoveryEvictionsTotal{billing} = %f, want 1", got)
	}
}
