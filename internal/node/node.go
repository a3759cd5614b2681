// Package node is the mesh runtime: an addressable service instance that
// correlates asynchronous replies, dispatches inbound requests through its
// scheduler and routes outbound requests via discovery.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/austindbirch/harbor_mesh/internal/discovery"
	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/protocol"
	"github.com/austindbirch/harbor_mesh/internal/scheduler"
	"github.com/austindbirch/harbor_mesh/internal/transport"
)

type Config struct {
	Namespace string
	ServiceID string

	Scheduler scheduler.Config

	// RequestCallbackTimeout is the default window for a correlated request
	RequestCallbackTimeout time.Duration
	// StatusUpdateInterval is how often the node republishes its load
	StatusUpdateInterval time.Duration
}

func DefaultConfig(namespace, serviceID string) Config {
	return Config{
		Namespace:              namespace,
		ServiceID:              serviceID,
		Scheduler:              scheduler.DefaultConfig(),
		RequestCallbackTimeout: 30 * time.Second,
		StatusUpdateInterval:   2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestCallbackTimeout <= 0 {
		c.RequestCallbackTimeout = 30 * time.Second
	}
	if c.StatusUpdateInterval <= 0 {
		c.StatusUpdateInterval = 2 * time.Minute
	}
	return c
}

// EnrichFunc returns a new header for an outbound request, e.g. with an
// auth token stamped in
type EnrichFunc func(ctx context.Context, h protocol.RequestHeader) (protocol.RequestHeader, error)

// AuthorizeFunc vets an inbound request before it reaches its handler
type AuthorizeFunc func(ctx context.Context, h protocol.RequestHeader) error

type Option func(*Node)

func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(n *Node) { n.logger = l }
}

func WithEnrichRequest(fn EnrichFunc) Option {
	return func(n *Node) { n.enrich = fn }
}

func WithAuthorize(fn AuthorizeFunc) Option {
	return func(n *Node) { n.authorize = fn }
}

// WithInstanceID fixes the instance id instead of generating a UUID
func WithInstanceID(id string) Option {
	return func(n *Node) { n.address.InstanceID = id }
}

// WithLogForwarding publishes log entries at or above level to the
// namespace logs channel once the node is initialized
func WithLogForwarding(level logging.LogLevel) Option {
	return func(n *Node) {
		n.forwardLogs = true
		n.forwardLevel = level
	}
}

// Node is one running service instance
type Node struct {
	cfg       Config
	address   protocol.Address
	ps        transport.PubSub
	discovery *discovery.Manager
	handlers  *Handlers
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	logger    *logging.Logger

	enrich       EnrichFunc
	authorize    AuthorizeFunc
	forwardLogs  bool
	forwardLevel logging.LogLevel

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	initialized atomic.Bool
	stopped     atomic.Bool
	baseCtx     context.Context

	chMu     sync.Mutex
	bound    []transport.Channel
	lobby    transport.Channel
	outbound map[string]transport.Channel

	republishStop chan struct{}
	republishDone chan struct{}
}

// New validates its collaborators and builds a node. Nothing is bound or
// registered until Initialize.
func New(cfg Config, ps transport.PubSub, dm *discovery.Manager, handlers *Handlers, opts ...Option) (*Node, error) {
	if ps == nil {
		return nil, ErrMissingTransport
	}
	if dm == nil {
		return nil, ErrMissingDiscovery
	}
	if handlers == nil {
		handlers = NewHandlers()
	}

	n := &Node{
		cfg:       cfg.withDefaults(),
		address:   protocol.NewAddress(cfg.Namespace, cfg.ServiceID, uuid.NewString()),
		ps:        ps,
		discovery: dm,
		handlers:  handlers,
		clock:     clock.New(),
		logger:    logging.Default(),
		pending:   make(map[string]*pendingEntry),
		outbound:  make(map[string]transport.Channel),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(n)
	}

	if _, err := protocol.ParseAddress(n.address.String()); err != nil {
		return nil, err
	}

	n.logger = n.logger.WithAddress(n.address.String())
	n.scheduler = scheduler.New(n.cfg.Scheduler,
		scheduler.WithClock(n.clock),
		scheduler.WithLogger(n.logger),
	)
	return n, nil
}

// Address returns the node's own address
func (n *Node) Address() protocol.Address {
	return n.address
}

func (n *Node) Logger() *logging.Logger {
	return n.logger
}

// Scheduler exposes the node's task scheduler, e.g. for OnTaskComplete
func (n *Node) Scheduler() *scheduler.Scheduler {
	return n.scheduler
}

// Status is a point-in-time report served by the health endpoint
type Status struct {
	Address                string          `json:"address"`
	ServiceID              string          `json:"serviceId"`
	InstanceID             string          `json:"instanceId"`
	Initialized            bool            `json:"initialized"`
	Stopped                bool            `json:"stopped"`
	PendingRequests        int             `json:"pendingRequests"`
	Scheduler              scheduler.Stats `json:"scheduler"`
	RequestCallbackTimeout time.Duration   `json:"requestCallbackTimeout"`
	StatusUpdateInterval   time.Duration   `json:"statusUpdateInterval"`
	HandlerTypes           []string        `json:"handlerTypes"`
}

func (n *Node) Status() Status {
	return Status{
		Address:                n.address.String(),
		ServiceID:              n.address.ServiceID,
		InstanceID:             n.address.InstanceID,
		Initialized:            n.initialized.Load(),
		Stopped:                n.stopped.Load(),
		PendingRequests:        n.PendingCount(),
		Scheduler:              n.scheduler.Stats(),
		RequestCallbackTimeout: n.cfg.RequestCallbackTimeout,
		StatusUpdateInterval:   n.cfg.StatusUpdateInterval,
		HandlerTypes:           n.handlers.Types(),
	}
}

// channelFor returns a publish-only binding for name, reusing earlier ones
func (n *Node) channelFor(ctx context.Context, name string) (transport.Channel, error) {
	n.chMu.Lock()
	ch, ok := n.outbound[name]
	n.chMu.Unlock()
	if ok {
		return ch, nil
	}

	ch, err := n.ps.Bind(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	n.chMu.Lock()
	defer n.chMu.Unlock()
	if existing, ok := n.outbound[name]; ok {
		return existing, nil
	}
	n.outbound[name] = ch
	return ch, nil
}

func (n *Node) send(ctx context.Context, target string, msg []byte) error {
	ch, err := n.channelFor(ctx, target)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}
