package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormesh_scheduler_queue_depth",
			Help: "Number of tasks waiting in the scheduler queue.",
		},
	)

	SchedulerRunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormesh_scheduler_running_tasks",
			Help: "Number of tasks currently executing.",
		},
	)

	SchedulerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormesh_scheduler_tasks_total",
			Help: "Total number of completed tasks by outcome.",
		},
		[]string{"outcome"}, // success, failure
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormesh_requests_total",
			Help: "Total number of outbound correlated requests by type and outcome.",
		},
		[]string{"request_type", "outcome"}, // success, remote_error, timeout, transport_error, no_nodes, canceled
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbormesh_request_duration_seconds",
			Help:    "Time from sending a request until it settled.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"request_type"},
	)

	HandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormesh_handled_requests_total",
			Help: "Total number of inbound requests handled by type and outcome.",
		},
		[]string{"request_type", "outcome"},
	)

	StatusUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormesh_status_updates_total",
			Help: "Total number of status updates that extended a pending request.",
		},
	)

	UnknownResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormesh_unknown_responses_total",
			Help: "Total number of responses dropped because no request was pending.",
		},
	)

	DiscoveryEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormesh_discovery_evictions_total",
			Help: "Total number of nodes evicted from discovery after a failed health check.",
		},
		[]string{"service"},
	)

	LobbyAnnouncementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormesh_lobby_announcements_total",
			Help: "Total number of lobby announcements received from peers by kind.",
		},
		[]string{"kind"},
	)

	NodeLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormesh_node_load",
			Help: "Load last reported to discovery (queue depth).",
		},
	)

	RequestsPerInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormesh_requests_per_interval",
			Help: "Configured requests per scheduler interval (reported, not enforced).",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbormesh_nsq_topic_depth",
			Help: "Depth of mesh NSQ topics by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		SchedulerQueueDepth,
		SchedulerRunningTasks,
		SchedulerTasksTotal,
		RequestsTotal,
		RequestDuration,
		HandledTotal,
		StatusUpdatesTotal,
		UnknownResponsesTotal,
		DiscoveryEvictionsTotal,
		LobbyAnnouncementsTotal,
		NodeLoad,
		RequestsPerInterval,
		NSQTopicDepth,
	)
}

// UpdateScheduler sets the scheduler gauges
func UpdateScheduler(queueDepth, running int) {
	SchedulerQueueDepth.Set(float64(queueDepth))
	SchedulerRunningTasks.Set(float64(running))
}

// RecordTask counts one completed task
func RecordTask(success bool) {
	if success {
		SchedulerTasksTotal.WithLabelValues("success").Inc()
		return
	}
	SchedulerTasksTotal.WithLabelValues("failure").Inc()
}

// RecordRequest counts one settled outbound request and its latency
func RecordRequest(requestType, outcome string, latency time.Duration) {
	RequestsTotal.WithLabelValues(requestType, outcome).Inc()
	RequestDuration.WithLabelValues(requestType).Observe(latency.Seconds())
}

func RecordHandled(requestType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	HandledTotal.WithLabelValues(requestType, outcome).Inc()
}

func RecordStatusUpdate() {
	StatusUpdatesTotal.Inc()
}

func RecordUnknownResponse() {
	UnknownResponsesTotal.Inc()
}

func RecordEviction(service string) {
	DiscoveryEvictionsTotal.WithLabelValues(service).Inc()
}

func RecordLobby(kind string) {
	LobbyAnnouncementsTotal.WithLabelValues(kind).Inc()
}

func UpdateNodeLoad(load int) {
	NodeLoad.Set(float64(load))
}

func UpdateRequestsPerInterval(n int) {
	RequestsPerInterval.Set(float64(n))
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
