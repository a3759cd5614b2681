package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/harbor_mesh/internal/metrics"
	"github.com/austindbirch/harbor_mesh/internal/protocol"
	"github.com/austindbirch/harbor_mesh/internal/scheduler"
	"github.com/austindbirch/harbor_mesh/internal/tracing"
)

// HandleMessage classifies one raw transport message. Responses settle their
// pending request, status updates extend one, and everything else is
// scheduled for dispatch.
func (n *Node) HandleMessage(ctx context.Context, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("Dropping malformed message")
		return err
	}

	switch {
	case env.IsResponse():
		resp, err := env.Response()
		if err != nil {
			n.failPending(ctx, env.RequestHeader.RequestID, err)
			return err
		}
		n.handleResponse(ctx, resp)
	case env.IsStatusUpdate():
		n.handleStatusUpdate(ctx, env.Header.RequestID, env.Body)
	default:
		n.handleRequest(ctx, env.Request())
	}
	return nil
}

func (n *Node) handleResponse(ctx context.Context, resp protocol.Response[json.RawMessage]) {
	id := resp.RequestHeader.RequestID
	e := n.lookupPending(id)
	if e == nil {
		metrics.RecordUnknownResponse()
		n.logger.WithContext(ctx).
			WithRequest(id, resp.RequestHeader.RequestType).
			WithField("responder", resp.ResponseHeader.ResponderAddress).
			Warn("Response for unknown request")
		return
	}

	if resp.Body.Success {
		n.settle(e, result{resp: &resp})
		return
	}
	n.settle(e, result{err: &RemoteError{Request: e.request, Response: resp}})
}

// failPending settles a request whose response could not be decoded
func (n *Node) failPending(ctx context.Context, id string, err error) {
	if e := n.lookupPending(id); e != nil {
		n.settle(e, result{err: fmt.Errorf("response for %s: %w", id, err)})
		return
	}
	n.logger.WithContext(ctx).WithRequest(id, "").WithError(err).Warn("Dropping malformed response")
}

func (n *Node) handleStatusUpdate(ctx context.Context, id string, status json.RawMessage) {
	e := n.lookupPending(id)
	if e == nil || !n.extend(e) {
		n.logger.WithContext(ctx).
			WithRequest(id, protocol.StatusUpdateType).
			Debug("Status update for unknown request")
		return
	}
	metrics.RecordStatusUpdate()
	e.onStatus(ctx, status)
}

// dispatchLocal hands a request addressed to this node over without the
// transport. Status updates still bypass the scheduler.
func (n *Node) dispatchLocal(ctx context.Context, req protocol.Request[json.RawMessage]) {
	if req.Header.RequestType == protocol.StatusUpdateType {
		n.handleStatusUpdate(ctx, req.Header.RequestID, req.Body)
		return
	}
	n.handleRequest(ctx, req)
}

// handleRequest queues req on the scheduler; requests are never handled
// inline
func (n *Node) handleRequest(ctx context.Context, req protocol.Request[json.RawMessage]) {
	if n.stopped.Load() {
		n.logger.WithContext(ctx).
			WithRequest(req.Header.RequestID, req.Header.RequestType).
			Warn("Dropping request received after stop")
		return
	}
	scheduler.ScheduleTask(n.scheduler, n.dispatch, req)
}

// dispatch runs the handler for req and sends the response when one is
// expected
func (n *Node) dispatch(ctx context.Context, req protocol.Request[json.RawMessage]) (struct{}, error) {
	h := req.Header
	ctx = tracing.ExtractHeaders(ctx, h.TraceHeaders)
	ctx, span := tracing.StartServerSpan(ctx, h.RequestType, h.RequestID, h.RequesterAddress)
	defer span.End()
	ctx = withRequest(ctx, h)

	data, err := n.invoke(ctx, req)
	log := n.logger.WithContext(ctx).WithRequest(h.RequestID, h.RequestType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("Handler failed")
	}

	if !h.ExpectsReply() {
		metrics.RecordHandled(h.RequestType, err == nil)
		return struct{}{}, err
	}

	resp := protocol.Response[json.RawMessage]{
		RequestHeader: h,
		ResponseHeader: protocol.ResponseHeader{
			ResponderAddress: n.address.String(),
			Timestamp:        n.clock.Now().UTC(),
		},
	}
	switch {
	case err != nil:
		resp.Body = protocol.ResponseBody[json.RawMessage]{Error: protocol.AsError(err)}
	case protocol.IsEmptyData(data):
		log.Warn("Handler returned empty response data")
		resp.Body = protocol.ResponseBody[json.RawMessage]{
			Error: protocol.NewError(protocol.CodeEmptyResponse, "empty response data"),
		}
	default:
		resp.Body = protocol.ResponseBody[json.RawMessage]{Data: data, Success: true}
	}
	metrics.RecordHandled(h.RequestType, resp.Body.Success)

	if err := n.sendResponse(ctx, resp); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).WithField("recipient", h.RecipientAddress).Error("Failed to send response")
		return struct{}{}, err
	}
	return struct{}{}, nil
}

// invoke authorizes req, runs its handler and encodes the result. Panics
// become handler_panic errors.
func (n *Node) invoke(ctx context.Context, req protocol.Request[json.RawMessage]) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.WithContext(ctx).
				WithRequest(req.Header.RequestID, req.Header.RequestType).
				WithField("panic", fmt.Sprint(r)).
				Error("Handler panicked")
			data, err = nil, protocol.NewError(protocol.CodePanic, fmt.Sprint(r))
		}
	}()

	if n.authorize != nil {
		if err := n.authorize(ctx, req.Header); err != nil {
			return nil, protocol.NewError(protocol.CodeUnauthorized, err.Error())
		}
	}

	out, err := n.handlers.lookup(req.Header.RequestType)(ctx, req)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeBody(out)
}

// sendResponse delivers resp to its recipient. A response addressed to this
// node is handed over in-process.
func (n *Node) sendResponse(ctx context.Context, resp protocol.Response[json.RawMessage]) error {
	recipient := resp.RequestHeader.RecipientAddress
	if recipient == n.address.String() {
		n.handleResponse(ctx, resp)
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return n.send(ctx, recipient, raw)
}
