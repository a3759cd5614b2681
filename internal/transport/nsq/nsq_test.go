package nsq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gonsq "github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
)

func TestTopicName(t *testing.T) {
	long := strings.Repeat("x", 40) + ":" + strings.Repeat("y", 40)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "address", in: "mesh:billing:1234", want: "mesh.billing.1234"},
		{name: "broadcast", in: "mesh:billing:1234:broadcast", want: "mesh.billing.1234.broadcast"},
		{name: "lobby", in: "mesh:lobby", want: "mesh.lobby"},
		{name: "invalid characters", in: "mesh:bill ing/v2", want: "mesh.bill_ing_v2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopicName(tt.in)
			if got != tt.want {
				t.Errorf("TopicName(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if !gonsq.IsValidTopicName(got) {
				t.Errorf("TopicName(%q) = %q is not a valid NSQ topic", tt.in, got)
			}
		})
	}

	t.Run("long names are hashed", func(t *testing.T) {
		got := TopicName(long)
		if len(got) != maxNameLength {
			t.Errorf("len(TopicName(long)) = %d, want %d", len(got), maxNameLength)
		}
		if !gonsq.IsValidTopicName(got) {
			t.Errorf("TopicName(long) = %q is not a valid NSQ topic", got)
		}
		if other := TopicName(long + "z"); other == got {
			t.Errorf("distinct long names collided: %q", got)
		}
	})
}

func TestChannelName(t *testing.T) {
	id := uuid.NewString()
	got := ChannelName(id)
	if !strings.HasSuffix(got, "#ephemeral") {
		t.Errorf("ChannelName() = %q, want #ephemeral suffix", got)
	}
	if !gonsq.IsValidChannelName(got) {
		t.Errorf("ChannelName() = %q is not a valid NSQ channel", got)
	}
	if long := ChannelName(strings.Repeat("a", 100)); len(long) > maxNameLength {
		t.Errorf("len(ChannelName(long)) = %d, want <= %d", len(long), maxNameLength)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing nsqd", cfg: Config{Instance: "a"}},
		{name: "missing instance", cfg: Config{NSQDAddr: "127.0.0.1:4150"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg); err == nil {
				t.Error("New() expected error but got none")
			}
		})
	}
}

func TestStatsMonitorUpdate(t *testing.T) {
	payload := `{
		"topics": [
			{"topic_name": "mesh.lobby", "depth": 2, "channels": [
				{"channel_name": "a#ephemeral", "depth": 2, "in_flight_count": 0}
			]},
			{"topic_name": "other.lobby", "depth": 9, "channels": [
				{"channel_name": "b#ephemeral", "depth": 9, "in_flight_count": 0}
			]}
		]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	metrics.NSQTopicDepth.Reset()
	m := NewStatsMonitor(srv.URL, "mesh", time.Second, logging.Nop())
	require.NoError(t, m.Update(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("mesh.lobby", "a#ephemeral")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.NSQTopicDepth), "topics outside the namespace are ignored")
}

func TestStatsMonitorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	m := NewStatsMonitor(srv.URL, "mesh", time.Second, logging.Nop())
	assert.Error(t, m.Update(context.Background()))

	srv.Close()
	assert.Error(t, m.Update(context.Background()))
}

// TestTransportIntegration runs against a real nsqd when HARBORMESH_TEST_NSQD
// is set to its TCP address
func TestTransportIntegration(t *testing.T) {
	addr := os.Getenv("HARBORMESH_TEST_NSQD")
	if addr == "" {
		t.Skip("HARBORMESH_TEST_NSQD not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := New(ctx, Config{NSQDAddr: addr, Instance: uuid.NewString()}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, Config{NSQDAddr: addr, Instance: uuid.NewString()}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer b.Close()

	name := "it:" + uuid.NewString()[:8] + ":lobby"
	var mu sync.Mutex
	got := map[string]int{}
	record := func(who string) func(context.Context, []byte) {
		return func(context.Context, []byte) {
			mu.Lock()
			got[who]++
			mu.Unlock()
		}
	}
	_, err = a.Bind(ctx, name, record("a"))
	require.NoError(t, err)
	_, err = b.Bind(ctx, name, record("b"))
	require.NoError(t, err)

	pub, err := a.Bind(ctx, name, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Send(ctx, []byte(`{"type":"CHECKIN"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] == 1 && got["b"] == 1
	}, 10*time.Second, 50*time.Millisecond, "every instance should receive the message")
}
