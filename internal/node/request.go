package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/protocol"
	"github.com/austindbirch/harbor_mesh/internal/tracing"
)

// RequestHeaders override header fields after enrichment. Empty fields are
// left alone.
type RequestHeaders struct {
	RequesterAddress string
	AuthToken        string
	SessionID        string
}

type RequestOptions struct {
	// To is a service id routed through discovery, or a full address in the
	// local namespace which is used as is
	To          string
	RequestType string
	Body        any
	// ReplyTo receives the response; defaults to the node's own address
	ReplyTo   string
	RequestID string
	// Timeout defaults to the node's RequestCallbackTimeout
	Timeout            time.Duration
	Headers            RequestHeaders
	HandleStatusUpdate StatusHandler
}

// MakeRequest sends a correlated request and waits for its terminal
// response. A failed response is returned as *RemoteError, an expired window
// as *TimeoutError and a failed send as *TransportError.
func (n *Node) MakeRequest(ctx context.Context, opts RequestOptions) (*protocol.Response[json.RawMessage], error) {
	if !n.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if n.stopped.Load() {
		return nil, ErrNodeStopped
	}

	ctx, span := tracing.StartClientSpan(ctx, opts.RequestType, opts.To)
	defer span.End()
	started := n.clock.Now()

	resp, outcome, err := n.makeRequest(ctx, opts)
	metrics.RecordRequest(opts.RequestType, outcome, n.clock.Since(started))
	if err != nil {
		tracing.SetSpanError(ctx, err)
	}
	return resp, err
}

func (n *Node) makeRequest(ctx context.Context, opts RequestOptions) (*protocol.Response[json.RawMessage], string, error) {
	target, self, err := n.resolve(ctx, opts.To)
	if err != nil {
		if errors.Is(err, ErrNoNodesAvailable) {
			return nil, "no_nodes", err
		}
		return nil, "error", err
	}

	body, err := protocol.EncodeBody(opts.Body)
	if err != nil {
		return nil, "error", err
	}
	replyTo := opts.ReplyTo
	if replyTo == "" {
		replyTo = n.address.String()
	}
	header, err := n.buildHeader(ctx, opts.RequestType, opts.RequestID, replyTo, opts.Headers)
	if err != nil {
		return nil, "error", err
	}
	req := protocol.Request[json.RawMessage]{Header: header, Body: body}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = n.cfg.RequestCallbackTimeout
	}
	entry, err := n.register(req, timeout, opts.HandleStatusUpdate)
	if err != nil {
		return nil, outcomeOf(err), err
	}

	if self {
		n.logger.WithContext(ctx).
			WithRequest(header.RequestID, header.RequestType).
			WithField("target", target).
			Debug("Dispatching request in-process")
		n.dispatchLocal(ctx, req)
	} else if err := n.sendRequest(ctx, target, req); err != nil {
		n.settle(entry, result{err: &TransportError{RequestID: header.RequestID, Target: target, Err: err}})
	}

	var res result
	select {
	case res = <-entry.result:
	case <-ctx.Done():
		// no-op if a response or the timer settled it first
		n.settle(entry, result{err: ctx.Err()})
		res = <-entry.result
	}
	return res.resp, outcomeOf(res.err), res.err
}

func outcomeOf(err error) string {
	var (
		remote *RemoteError
		tErr   *TransportError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &tErr):
		return "transport_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrNodeStopped):
		return "stopped"
	}
	return "error"
}

// Call makes a request and decodes the response data into Resp
func Call[Resp any](ctx context.Context, n *Node, opts RequestOptions) (Resp, *protocol.Response[json.RawMessage], error) {
	var zero Resp
	resp, err := n.MakeRequest(ctx, opts)
	if err != nil {
		return zero, resp, err
	}
	v, err := protocol.DecodeBody[Resp](resp.Body.Data)
	if err != nil {
		return zero, resp, err
	}
	return v, resp, nil
}

// SendOneWayMessage sends a request that expects no reply. Only the send
// error is reported.
func (n *Node) SendOneWayMessage(ctx context.Context, requestType, to string, body any, requestID string) error {
	if !n.initialized.Load() {
		return ErrNotInitialized
	}
	if n.stopped.Load() {
		return ErrNodeStopped
	}

	target, self, err := n.resolve(ctx, to)
	if err != nil {
		return err
	}
	raw, err := protocol.EncodeBody(body)
	if err != nil {
		return err
	}
	header, err := n.buildHeader(ctx, requestType, requestID, "", RequestHeaders{})
	if err != nil {
		return err
	}
	req := protocol.Request[json.RawMessage]{Header: header, Body: raw}

	if self {
		n.dispatchLocal(ctx, req)
		return nil
	}
	if err := n.sendRequest(ctx, target, req); err != nil {
		return &TransportError{RequestID: header.RequestID, Target: target, Err: err}
	}
	return nil
}

// SendStatusUpdate tells the requester of req that work is still in
// progress, extending its timeout window. Requests that expect no reply are
// ignored.
func (n *Node) SendStatusUpdate(ctx context.Context, req protocol.RequestHeader, status any) error {
	if !req.ExpectsReply() {
		return nil
	}
	tracing.AddSpanEvent(ctx, "mesh.status_update")
	return n.SendOneWayMessage(ctx, protocol.StatusUpdateType, req.RecipientAddress, status, req.RequestID)
}

// StatusUpdate sends a status update for the request handled under ctx
func (n *Node) StatusUpdate(ctx context.Context, status any) error {
	header, ok := RequestFromContext(ctx)
	if !ok {
		return errors.New("node: no request in context")
	}
	return n.SendStatusUpdate(ctx, header, status)
}

// resolve maps to onto a concrete address. self reports whether the target
// is served by this node and the transport can be skipped.
func (n *Node) resolve(ctx context.Context, to string) (target string, self bool, err error) {
	if protocol.HasNamespace(to, n.address.Namespace) {
		return to, to == n.address.String(), nil
	}
	if to == n.address.ServiceID {
		return n.address.String(), true, nil
	}

	nodeID, ok, err := n.discovery.LeastLoadedNode(ctx, to)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", to, err)
	}
	if !ok {
		return "", false, fmt.Errorf("%w for service %s", ErrNoNodesAvailable, to)
	}
	return protocol.NewAddress(n.address.Namespace, to, nodeID).String(), false, nil
}

func (n *Node) buildHeader(ctx context.Context, requestType, requestID, recipient string, overrides RequestHeaders) (protocol.RequestHeader, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	h := protocol.RequestHeader{
		Timestamp:        n.clock.Now().UTC(),
		RequestID:        requestID,
		RequesterAddress: n.address.String(),
		RecipientAddress: recipient,
		RequestType:      requestType,
		TraceHeaders:     tracing.InjectHeaders(ctx),
	}
	if n.enrich != nil {
		enriched, err := n.enrich(ctx, h)
		if err != nil {
			return protocol.RequestHeader{}, fmt.Errorf("enrich request: %w", err)
		}
		h = enriched
	}
	if overrides.RequesterAddress != "" {
		h.RequesterAddress = overrides.RequesterAddress
	}
	if overrides.AuthToken != "" {
		h.AuthToken = overrides.AuthToken
	}
	if overrides.SessionID != "" {
		h.SessionID = overrides.SessionID
	}
	return h, nil
}

func (n *Node) sendRequest(ctx context.Context, target string, req protocol.Request[json.RawMessage]) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return n.send(ctx, target, raw)
}
