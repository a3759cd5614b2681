package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/austindbirch/harbor_mesh/internal/protocol"
)

// StatusHandler receives the payload of each status update for a request
type StatusHandler func(ctx context.Context, status json.RawMessage)

func noopStatus(context.Context, json.RawMessage) {}

type result struct {
	resp *protocol.Response[json.RawMessage]
	err  error
}

// pendingEntry tracks one outstanding correlated request. Exactly one of
// response, timeout, send failure, cancellation or shutdown settles it.
type pendingEntry struct {
	request  protocol.Request[json.RawMessage]
	timeout  time.Duration
	timer    *clock.Timer
	onStatus StatusHandler
	result   chan result
	settled  atomic.Bool
}

func (n *Node) register(req protocol.Request[json.RawMessage], timeout time.Duration, onStatus StatusHandler) (*pendingEntry, error) {
	if onStatus == nil {
		onStatus = noopStatus
	}
	e := &pendingEntry{
		request:  req,
		timeout:  timeout,
		onStatus: onStatus,
		result:   make(chan result, 1),
	}

	id := req.Header.RequestID
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	// checked under the lock so a concurrent Stop cannot miss the entry
	if n.stopped.Load() {
		return nil, ErrNodeStopped
	}
	if _, dup := n.pending[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
	}
	n.pending[id] = e
	e.timer = n.clock.AfterFunc(timeout, func() {
		n.settle(e, result{err: &TimeoutError{Request: e.request, Timeout: e.timeout}})
	})
	return e, nil
}

func (n *Node) lookupPending(id string) *pendingEntry {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	return n.pending[id]
}

// settle removes the entry and then delivers res. It reports false if the
// entry was already settled.
func (n *Node) settle(e *pendingEntry, res result) bool {
	if !e.settled.CAS(false, true) {
		return false
	}
	id := e.request.Header.RequestID
	n.pendingMu.Lock()
	if n.pending[id] == e {
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.result <- res
	return true
}

// extend resets the entry's timer to a full timeout window
func (n *Node) extend(e *pendingEntry) bool {
	if e.settled.Load() {
		return false
	}
	e.timer.Reset(e.timeout)
	return true
}

// rejectAll settles every outstanding request with err
func (n *Node) rejectAll(err error) int {
	n.pendingMu.Lock()
	entries := make([]*pendingEntry, 0, len(n.pending))
	for _, e := range n.pending {
		entries = append(entries, e)
	}
	n.pendingMu.Unlock()

	count := 0
	for _, e := range entries {
		if n.settle(e, result{err: err}) {
			count++
		}
	}
	return count
}

// PendingCount is the number of outstanding correlated requests
func (n *Node) PendingCount() int {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	return len(n.pending)
}
