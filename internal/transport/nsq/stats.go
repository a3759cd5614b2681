package nsq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
)

// Stats is the subset of the nsqd /stats document the monitor reads
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// StatsMonitor polls nsqd and exports the depth of every mesh topic
type StatsMonitor struct {
	httpAddr string
	prefix   string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger
}

// NewStatsMonitor watches topics that belong to namespace. httpAddr is the
// nsqd HTTP address (host:4151).
func NewStatsMonitor(httpAddr, namespace string, interval time.Duration, logger *logging.Logger) *StatsMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsMonitor{
		httpAddr: strings.TrimPrefix(httpAddr, "http://"),
		prefix:   TopicName(namespace) + ".",
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls until ctx is done
func (m *StatsMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Update(ctx); err != nil {
			m.logger.WithContext(ctx).WithError(err).Error("Failed to update NSQ stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Update fetches stats once and sets the topic depth gauges
func (m *StatsMonitor) Update(ctx context.Context) error {
	stats, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	for _, topic := range stats.Topics {
		if !strings.HasPrefix(topic.TopicName, m.prefix) {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
		}
	}
	return nil
}

func (m *StatsMonitor) fetch(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.httpAddr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqd stats returned %s", resp.Status)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return &stats, nil
}
