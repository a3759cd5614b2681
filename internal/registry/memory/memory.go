// Package memory is an in-process discovery.Registry for single-process
// meshes and tests.
package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_mesh/internal/discovery"
)

var _ discovery.Registry = (*Registry)(nil)

// Registry keeps one min-heap per service ordered by load. Nodes with equal
// load are ordered by when they were last chosen, so repeated lookups rotate
// through them.
type Registry struct {
	mu       sync.Mutex
	clock    clock.Clock
	services map[string]*nodeHeap
}

type Option func(*Registry)

// WithClock sets the clock used for UpdatedAt stamps
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:    clock.New(),
		services: make(map[string]*nodeHeap),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) RegisterService(_ context.Context, serviceID, nodeID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(serviceID, nodeID, load)
	return nil
}

func (r *Registry) DeregisterService(_ context.Context, serviceID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.services[serviceID]
	if !ok {
		return nil
	}
	if e, ok := h.byID[nodeID]; ok {
		heap.Remove(h, e.index)
		delete(h.byID, nodeID)
	}
	if h.Len() == 0 {
		delete(r.services, serviceID)
	}
	return nil
}

func (r *Registry) UpdateServiceLoad(_ context.Context, serviceID, nodeID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(serviceID, nodeID, load)
	return nil
}

func (r *Registry) LeastLoadedNode(_ context.Context, serviceID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.services[serviceID]
	if !ok || h.Len() == 0 {
		return "", false, nil
	}
	e := h.entries[0]
	// bump the sequence so equally loaded peers take turns
	h.next++
	e.last = h.next
	heap.Fix(h, e.index)
	return e.node.NodeID, true, nil
}

func (r *Registry) AllNodes(_ context.Context, serviceID string) ([]discovery.ServiceNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.services[serviceID]
	if !ok {
		return nil, nil
	}
	nodes := make([]discovery.ServiceNode, 0, h.Len())
	for _, e := range h.entries {
		nodes = append(nodes, e.node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Load != nodes[j].Load {
			return nodes[i].Load < nodes[j].Load
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	return nodes, nil
}

func (r *Registry) OnlineServices(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	services := make([]string, 0, len(r.services))
	for id := range r.services {
		services = append(services, id)
	}
	sort.Strings(services)
	return services, nil
}

func (r *Registry) IsServiceOnline(_ context.Context, serviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.services[serviceID]
	return ok && h.Len() > 0, nil
}

func (r *Registry) upsertLocked(serviceID, nodeID string, load int) {
	h, ok := r.services[serviceID]
	if !ok {
		h = &nodeHeap{byID: make(map[string]*entry)}
		r.services[serviceID] = h
	}
	now := r.clock.Now()
	if e, ok := h.byID[nodeID]; ok {
		e.node.Load = load
		e.node.UpdatedAt = now
		heap.Fix(h, e.index)
		return
	}
	h.next++
	e := &entry{
		node: discovery.ServiceNode{ServiceID: serviceID, NodeID: nodeID, Load: load, UpdatedAt: now},
		last: h.next,
	}
	h.byID[nodeID] = e
	heap.Push(h, e)
}

type entry struct {
	node  discovery.ServiceNode
	last  int
	index int
}

// nodeHeap implements heap.Interface. Do not call its methods directly.
type nodeHeap struct {
	entries []*entry
	byID    map[string]*entry
	next    int
}

func (h *nodeHeap) Len() int { return len(h.entries) }

func (h *nodeHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.node.Load == b.node.Load {
		return a.last < b.last
	}
	return a.node.Load < b.node.Load
}

func (h *nodeHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *nodeHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *nodeHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	e.index = -1
	return e
}
