// Package nsq carries mesh channels over NSQ. Every mesh channel name maps to
// one NSQ topic; each process consumes through its own ephemeral NSQ channel
// so lobby and broadcast traffic reach every node.
package nsq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonsq "github.com/nsqio/go-nsq"
	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/transport"
)

const maxNameLength = 64

var _ transport.PubSub = (*Transport)(nil)

type Config struct {
	NSQDAddr         string   // nsqd TCP address used for publishing
	LookupdHTTPAddrs []string // when set, consumers discover nsqd through lookupd
	Instance         string   // unique per process; becomes the NSQ channel name
	MaxInFlight      int
	ConnectTries     uint
}

// TopicName maps a mesh channel name onto a valid NSQ topic name
func TopicName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ':':
			b.WriteByte('.')
		case r == '.' || r == '_' || r == '-',
			r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	topic := b.String()
	if len(topic) <= maxNameLength {
		return topic
	}
	sum := sha256.Sum256([]byte(name))
	return topic[:47] + "." + hex.EncodeToString(sum[:])[:16]
}

// ChannelName is the ephemeral NSQ channel a process consumes through
func ChannelName(instance string) string {
	const suffix = "#ephemeral"
	base := TopicName(instance)
	if len(base)+len(suffix) > maxNameLength {
		base = base[:maxNameLength-len(suffix)]
	}
	return base + suffix
}

type Option func(*Transport)

func WithLogger(l *logging.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport implements transport.PubSub with one shared producer and one
// consumer per handler binding
type Transport struct {
	cfg     Config
	logger  *logging.Logger
	nsqConf *gonsq.Config

	producer *gonsq.Producer

	mu       sync.Mutex
	bindings map[*binding]struct{}
	closed   bool
}

// New creates the producer and verifies nsqd is reachable, retrying with
// exponential backoff
func New(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	if cfg.NSQDAddr == "" {
		return nil, errors.New("nsq: nsqd address is required")
	}
	if cfg.Instance == "" {
		return nil, errors.New("nsq: instance name is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 200
	}
	if cfg.ConnectTries == 0 {
		cfg.ConnectTries = 5
	}

	t := &Transport{
		cfg:      cfg,
		logger:   logging.Default(),
		bindings: make(map[*binding]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.nsqConf = gonsq.NewConfig()
	t.nsqConf.MaxInFlight = cfg.MaxInFlight

	producer, err := gonsq.NewProducer(cfg.NSQDAddr, t.nsqConf)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{t.logger}, gonsq.LogLevelWarning)

	if err := t.retry(ctx, "nsqd ping", producer.Ping); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsq producer ping %s: %w", cfg.NSQDAddr, err)
	}
	t.producer = producer
	return t, nil
}

func (t *Transport) Bind(ctx context.Context, name string, h transport.Handler) (transport.Channel, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	b := &binding{t: t, name: name, topic: TopicName(name)}
	if h == nil {
		return b, nil
	}

	consumer, err := gonsq.NewConsumer(b.topic, ChannelName(t.cfg.Instance), t.nsqConf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", b.topic, err)
	}
	consumer.SetLogger(nsqLogger{t.logger}, gonsq.LogLevelWarning)
	consumer.AddHandler(gonsq.HandlerFunc(func(m *gonsq.Message) error {
		h(context.Background(), m.Body)
		return nil
	}))

	connect := func() error { return consumer.ConnectToNSQD(t.cfg.NSQDAddr) }
	if len(t.cfg.LookupdHTTPAddrs) > 0 {
		connect = func() error { return consumer.ConnectToNSQLookupds(t.cfg.LookupdHTTPAddrs) }
	}
	if err := t.retry(ctx, "nsq consumer connect", connect); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq consumer connect %s: %w", b.topic, err)
	}
	b.consumer = consumer

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		consumer.Stop()
		return nil, transport.ErrClosed
	}
	t.bindings[b] = struct{}{}
	return b, nil
}

// Close stops every consumer and then the producer
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	bindings := make([]*binding, 0, len(t.bindings))
	for b := range t.bindings {
		bindings = append(bindings, b)
	}
	t.bindings = nil
	t.mu.Unlock()

	var errs error
	for _, b := range bindings {
		errs = multierr.Append(errs, b.stopConsumer())
	}
	t.producer.Stop()
	return errs
}

func (t *Transport) publish(ctx context.Context, topic string, msg []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	done := make(chan *gonsq.ProducerTransaction, 1)
	if err := t.producer.PublishAsync(topic, msg, done); err != nil {
		return err
	}
	select {
	case tx := <-done:
		return tx.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(t.cfg.ConnectTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.logger.Plain().WithError(err).WithField("retry_in", next.String()).Warnf("%s failed", what)
		}),
	)
	return err
}

func (t *Transport) forget(b *binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, b)
}

type binding struct {
	t        *Transport
	name     string
	topic    string
	consumer *gonsq.Consumer
	once     sync.Once
}

func (b *binding) Name() string { return b.name }

func (b *binding) Send(ctx context.Context, msg []byte) error {
	if err := b.t.publish(ctx, b.topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", b.topic, err)
	}
	return nil
}

func (b *binding) Unsubscribe() error {
	if b.consumer == nil {
		return nil
	}
	var err error
	b.once.Do(func() {
		b.t.forget(b)
		err = b.stopConsumer()
	})
	return err
}

func (b *binding) stopConsumer() error {
	if b.consumer == nil {
		return nil
	}
	b.consumer.Stop()
	select {
	case <-b.consumer.StopChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("nsq consumer %s did not stop", b.topic)
	}
}

// nsqLogger routes go-nsq's internal logging into the structured logger
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "go-nsq").Warn(s)
	return nil
}
