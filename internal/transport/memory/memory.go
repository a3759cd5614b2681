// Package memory is an in-process transport.PubSub. Every binding with a
// handler gets its own ordered delivery goroutine, so a message published to
// a name reaches every subscriber of that name.
package memory

import (
	"context"
	"sync"

	"github.com/austindbirch/harbor_mesh/internal/transport"
)

var _ transport.PubSub = (*Broker)(nil)

type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

func (b *Broker) Bind(_ context.Context, name string, h transport.Handler) (transport.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}

	ch := &channel{broker: b, name: name}
	if h == nil {
		return ch, nil
	}

	sub := newSubscription(h)
	if b.subs[name] == nil {
		b.subs[name] = make(map[*subscription]struct{})
	}
	b.subs[name][sub] = struct{}{}
	ch.sub = sub
	go sub.run()
	return ch, nil
}

// Close stops every subscription. Pending messages are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
	}
	b.subs = nil
	return nil
}

// Subscribers reports how many handler bindings exist for name
func (b *Broker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Broker) publish(ctx context.Context, name string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return transport.ErrClosed
	}
	if len(b.subs[name]) == 0 {
		return nil
	}
	cp := append([]byte(nil), msg...)
	for sub := range b.subs[name] {
		sub.enqueue(cp)
	}
	return nil
}

func (b *Broker) unsubscribe(name string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[name]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, name)
		}
	}
	sub.close()
}

type channel struct {
	broker *Broker
	name   string
	sub    *subscription
	once   sync.Once
}

func (c *channel) Name() string { return c.name }

func (c *channel) Send(ctx context.Context, msg []byte) error {
	return c.broker.publish(ctx, c.name, msg)
}

func (c *channel) Unsubscribe() error {
	if c.sub == nil {
		return nil
	}
	c.once.Do(func() { c.broker.unsubscribe(c.name, c.sub) })
	return nil
}

// subscription queues messages without bounds so a handler that publishes
// to its own channel never blocks
type subscription struct {
	handler transport.Handler

	mu      sync.Mutex
	pending [][]byte
	closed  bool
	wake    chan struct{}
}

func newSubscription(h transport.Handler) *subscription {
	return &subscription{handler: h, wake: make(chan struct{}, 1)}
}

func (s *subscription) enqueue(msg []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(ctx, msg)
	}
}
