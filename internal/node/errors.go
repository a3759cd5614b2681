package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/protocol"
)

var (
	ErrMissingTransport   = errors.New("node: transport is required")
	ErrMissingDiscovery   = errors.New("node: discovery manager is required")
	ErrNoNodesAvailable   = errors.New("no nodes available")
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrNotInitialized     = errors.New("node not initialized")
	ErrAlreadyInitialized = errors.New("node already initialized")
	ErrNodeStopped        = errors.New("node stopped")
	ErrTimeout            = errors.New("request timed out")
)

// TimeoutError is returned when neither a response nor a status update
// arrived within the request's timeout window
type TimeoutError struct {
	Request protocol.Request[json.RawMessage]
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %s",
		e.Request.Header.RequestID, e.Request.Header.RequestType, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError carries a failed response together with the request that
// produced it
type RemoteError struct {
	Request  protocol.Request[json.RawMessage]
	Response protocol.Response[json.RawMessage]
}

func (e *RemoteError) Error() string {
	msg := "request failed"
	if e.Response.Body.Error != nil {
		msg = e.Response.Body.Error.Error()
	}
	return fmt.Sprintf("%s from %s: %s",
		e.Request.Header.RequestType, e.Response.ResponseHeader.ResponderAddress, msg)
}

// Unwrap exposes the wire error so callers can match on its code
func (e *RemoteError) Unwrap() error {
	if e.Response.Body.Error == nil {
		return nil
	}
	return e.Response.Body.Error
}

// TransportError wraps a failed send
type TransportError struct {
	RequestID string
	Target    string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send request %s to %s: %v", e.RequestID, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
