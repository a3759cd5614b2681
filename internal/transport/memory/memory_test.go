package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_mesh/internal/transport"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFanOutInOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	a, c := &collector{}, &collector{}
	_, err := b.Bind(ctx, "mesh:lobby", a.handle)
	require.NoError(t, err)
	_, err = b.Bind(ctx, "mesh:lobby", c.handle)
	require.NoError(t, err)

	pub, err := b.Bind(ctx, "mesh:lobby", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers("mesh:lobby"))

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, pub.Send(ctx, []byte(m)))
	}

	want := []string{"1", "2", "3"}
	require.Eventually(t, func() bool { return len(a.got()) == 3 && len(c.got()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, want, a.got())
	assert.Equal(t, want, c.got())
}

func TestPublishOnlySendSucceeds(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, err := b.Bind(context.Background(), "nobody:listens", nil)
	require.NoError(t, err)
	assert.NoError(t, ch.Send(context.Background(), []byte("x")))
	assert.NoError(t, ch.Unsubscribe())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	col := &collector{}
	ch, err := b.Bind(ctx, "a", col.handle)
	require.NoError(t, err)

	require.NoError(t, ch.Send(ctx, []byte("before")))
	require.Eventually(t, func() bool { return len(col.got()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, ch.Unsubscribe())
	assert.Equal(t, 0, b.Subscribers("a"))

	require.NoError(t, ch.Send(ctx, []byte("after")))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"before"}, col.got())
}

func TestHandlerCanPublishToItself(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	var (
		mu    sync.Mutex
		count int
		self  transport.Channel
	)
	ready := make(chan struct{})
	ch, err := b.Bind(ctx, "loop", func(ctx context.Context, _ []byte) {
		<-ready
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n < 100 {
			_ = self.Send(ctx, []byte("again"))
		}
	})
	require.NoError(t, err)
	self = ch
	close(ready)

	require.NoError(t, ch.Send(ctx, []byte("start")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 100
	}, time.Second, time.Millisecond)
}

func TestClosedBroker(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	ch, err := b.Bind(ctx, "a", func(context.Context, []byte) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	if err := ch.Send(ctx, []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
	if _, err := b.Bind(ctx, "b", nil); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Bind() after Close error = %v, want ErrClosed", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch, _ := b.Bind(context.Background(), "a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.Send(ctx, []byte("x")), context.Canceled)
}
