package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// StatusUpdateType is the reserved request type that extends a pending
// request's timeout instead of reaching user handlers
const StatusUpdateType = "HarborMesh::StatusUpdate"

// Lobby announcement kinds
const (
	CheckIn  = "CHECKIN"
	CheckOut = "CHECKOUT"
)

type RequestHeader struct {
	Timestamp        time.Time         `json:"timestamp"`
	RequestID        string            `json:"requestId"`
	RequesterAddress string            `json:"requesterAddress"`
	RecipientAddress string            `json:"recipientAddress,omitempty"`
	RequestType      string            `json:"requestType,omitempty"`
	AuthToken        string            `json:"authToken,omitempty"`
	SessionID        string            `json:"sessionId,omitempty"`
	TraceHeaders     map[string]string `json:"traceHeaders,omitempty"` // W3C trace context
}

// ExpectsReply reports whether the requester asked for a response
func (h RequestHeader) ExpectsReply() bool {
	return h.RecipientAddress != ""
}

type Request[T any] struct {
	Header RequestHeader `json:"header"`
	Body   T             `json:"body"`
}

type ResponseHeader struct {
	ResponderAddress string    `json:"responderAddress"`
	Timestamp        time.Time `json:"timestamp"`
}

type ResponseBody[T any] struct {
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

type Response[T any] struct {
	RequestHeader  RequestHeader   `json:"requestHeader"`
	ResponseHeader ResponseHeader  `json:"responseHeader"`
	Body           ResponseBody[T] `json:"body"`
}

// LobbyMessage is announced on the namespace lobby when a node joins or leaves
type LobbyMessage struct {
	Type      string    `json:"type"` // CHECKIN or CHECKOUT
	Address   string    `json:"address"`
	ServiceID string    `json:"serviceId"`
	NodeID    string    `json:"nodeId"`
	Load      int       `json:"load"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the union of the request and response wire shapes. A message
// is a response iff it carries a responseHeader.
type Envelope struct {
	Header         *RequestHeader  `json:"header,omitempty"`
	RequestHeader  *RequestHeader  `json:"requestHeader,omitempty"`
	ResponseHeader *ResponseHeader `json:"responseHeader,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// Decode parses a raw transport message
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.IsResponse() {
		if env.RequestHeader == nil || env.RequestHeader.RequestID == "" {
			return nil, fmt.Errorf("%w: response without request header", ErrMalformedMessage)
		}
		return &env, nil
	}
	if env.Header == nil || env.Header.RequestID == "" {
		return nil, fmt.Errorf("%w: request without header", ErrMalformedMessage)
	}
	return &env, nil
}

func (e *Envelope) IsResponse() bool {
	return e.ResponseHeader != nil
}

// IsStatusUpdate reports whether a request envelope is a status update
func (e *Envelope) IsStatusUpdate() bool {
	return !e.IsResponse() && e.Header != nil && e.Header.RequestType == StatusUpdateType
}

// Request returns the request view of the envelope
func (e *Envelope) Request() Request[json.RawMessage] {
	return Request[json.RawMessage]{Header: *e.Header, Body: e.Body}
}

// Response returns the response view of the envelope
func (e *Envelope) Response() (Response[json.RawMessage], error) {
	resp := Response[json.RawMessage]{
		RequestHeader:  *e.RequestHeader,
		ResponseHeader: *e.ResponseHeader,
	}
	if len(e.Body) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(e.Body, &resp.Body); err != nil {
		return resp, fmt.Errorf("%w: response body: %v", ErrMalformedMessage, err)
	}
	return resp, nil
}

// EncodeBody marshals v unless it is already raw JSON
func EncodeBody(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedMessage)
		}
		return json.RawMessage(b), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}

// DecodeBody unmarshals raw JSON into T. Empty input yields the zero value.
func DecodeBody[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode body: %w", err)
	}
	return v, nil
}

// IsEmptyData reports whether raw carries no meaningful payload:
// nothing, null, an empty string, an empty object or an empty array
func IsEmptyData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return false
	}
	switch buf.String() {
	case "null", `""`, "{}", "[]":
		return true
	}
	return false
}
