// Package discovery tracks which nodes serve which logical services and picks
// the least loaded healthy node for routing. Unhealthy candidates are evicted
// from the registry as a side effect of lookup.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mesh/internal/logging"
	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/tracing"
)

// ErrEvictionLoop is returned when the registry keeps offering a node that was
// already evicted during the same lookup
var ErrEvictionLoop = errors.New("registry returned an evicted node")

// ServiceNode is one registered instance of a service
type ServiceNode struct {
	ServiceID string    `json:"serviceId"`
	NodeID    string    `json:"nodeId"`
	Load      int       `json:"load"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry stores live nodes per service and their last reported load.
// Implementations must be safe for concurrent use by many nodes.
type Registry interface {
	RegisterService(ctx context.Context, serviceID, nodeID string, load int) error
	DeregisterService(ctx context.Context, serviceID, nodeID string) error
	// UpdateServiceLoad records load for the node, registering it if absent
	UpdateServiceLoad(ctx context.Context, serviceID, nodeID string, load int) error
	// LeastLoadedNode reports ok=false when the service has no nodes
	LeastLoadedNode(ctx context.Context, serviceID string) (nodeID string, ok bool, err error)
	AllNodes(ctx context.Context, serviceID string) ([]ServiceNode, error)
	OnlineServices(ctx context.Context) ([]string, error)
	IsServiceOnline(ctx context.Context, serviceID string) (bool, error)
}

// HealthCheck decides whether a routing candidate may receive traffic
type HealthCheck func(ctx context.Context, serviceID, nodeID string) bool

// AlwaysHealthy is the default health check
func AlwaysHealthy(context.Context, string, string) bool { return true }

type Option func(*Manager)

func WithHealthCheck(hc HealthCheck) Option {
	return func(m *Manager) { m.healthCheck = hc }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager wraps a Registry with a health gate and cascading eviction
type Manager struct {
	registry Registry
	logger   *logging.Logger

	mu          sync.RWMutex
	healthCheck HealthCheck
}

func NewManager(registry Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		logger:      logging.Default(),
		healthCheck: AlwaysHealthy,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.healthCheck == nil {
		m.healthCheck = AlwaysHealthy
	}
	return m
}

// SetHealthCheck replaces the health check; nil restores the default
func (m *Manager) SetHealthCheck(hc HealthCheck) {
	if hc == nil {
		hc = AlwaysHealthy
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthCheck = hc
}

func (m *Manager) currentHealthCheck() HealthCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthCheck
}

func (m *Manager) RegisterNode(ctx context.Context, serviceID, nodeID string, load int) error {
	return m.registry.RegisterService(ctx, serviceID, nodeID, load)
}

func (m *Manager) UnregisterNode(ctx context.Context, serviceID, nodeID string) error {
	return m.registry.DeregisterService(ctx, serviceID, nodeID)
}

func (m *Manager) UpdateNodeLoad(ctx context.Context, serviceID, nodeID string, load int) error {
	return m.registry.UpdateServiceLoad(ctx, serviceID, nodeID, load)
}

func (m *Manager) Nodes(ctx context.Context, serviceID string) ([]ServiceNode, error) {
	return m.registry.AllNodes(ctx, serviceID)
}

func (m *Manager) OnlineServices(ctx context.Context) ([]string, error) {
	return m.registry.OnlineServices(ctx)
}

func (m *Manager) IsServiceOnline(ctx context.Context, serviceID string) (bool, error) {
	return m.registry.IsServiceOnline(ctx, serviceID)
}

// LeastLoadedNode returns the least loaded node of serviceID that passes the
// health check. Each failing candidate is unregistered before the next one is
// tried. ok=false with a nil error means the service has no healthy node.
func (m *Manager) LeastLoadedNode(ctx context.Context, serviceID string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "discovery.least_loaded", attribute.String("mesh.service_id", serviceID))
	defer span.End()

	nodeID, ok, err := m.leastLoaded(ctx, serviceID, nil)
	tracing.SetSpanError(ctx, err)
	return nodeID, ok, err
}

func (m *Manager) leastLoaded(ctx context.Context, serviceID string, evicted map[string]struct{}) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	nodeID, ok, err := m.registry.LeastLoadedNode(ctx, serviceID)
	if err != nil {
		return "", false, fmt.Errorf("query least loaded node for %s: %w", serviceID, err)
	}
	if !ok {
		return "", false, nil
	}
	if m.currentHealthCheck()(ctx, serviceID, nodeID) {
		return nodeID, true, nil
	}

	if _, seen := evicted[nodeID]; seen {
		return "", false, fmt.Errorf("%w: %s/%s", ErrEvictionLoop, serviceID, nodeID)
	}
	if err := m.registry.DeregisterService(ctx, serviceID, nodeID); err != nil {
		return "", false, fmt.Errorf("evict %s/%s: %w", serviceID, nodeID, err)
	}
	if evicted == nil {
		evicted = make(map[string]struct{})
	}
	evicted[nodeID] = struct{}{}

	metrics.RecordEviction(serviceID)
	tracing.AddSpanEvent(ctx, "discovery.evicted", attribute.String("mesh.node_id", nodeID))
	m.logger.WithContext(ctx).
		WithField("service_id", serviceID).
		WithField("node_id", nodeID).
		Warn("Evicted unhealthy node from discovery")

	return m.leastLoaded(ctx, serviceID, evicted)
}
