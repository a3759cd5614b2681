package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_mesh/internal/protocol"
)

// HandlerFunc serves one request type. The returned data is encoded as the
// response body.
type HandlerFunc func(ctx context.Context, req protocol.Request[json.RawMessage]) (any, error)

// Handlers maps request types to handlers. Build it once per service before
// the node is initialized.
type Handlers struct {
	mu       sync.RWMutex
	byType   map[string]HandlerFunc
	fallback HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[string]HandlerFunc)}
}

// HandleFunc registers fn for requestType, replacing any previous handler
func (h *Handlers) HandleFunc(requestType string, fn HandlerFunc) {
	if requestType == "" || fn == nil {
		panic("node: HandleFunc requires a request type and a handler")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byType[requestType] = fn
}

// Handle registers a typed handler. The request body is decoded into In; a
// body that does not decode produces a bad_request response.
func Handle[In, Out any](h *Handlers, requestType string, fn func(context.Context, In) (Out, error)) {
	h.HandleFunc(requestType, func(ctx context.Context, req protocol.Request[json.RawMessage]) (any, error) {
		in, err := protocol.DecodeBody[In](req.Body)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeBadRequest, err.Error())
		}
		return fn(ctx, in)
	})
}

// SetDefault sets the handler used for unregistered request types
func (h *Handlers) SetDefault(fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = fn
}

// Types lists the registered request types
func (h *Handlers) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	types := make([]string, 0, len(h.byType))
	for t := range h.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (h *Handlers) lookup(requestType string) HandlerFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := h.byType[requestType]; ok {
		return fn
	}
	if h.fallback != nil {
		return h.fallback
	}
	return noHandler
}

func noHandler(_ context.Context, req protocol.Request[json.RawMessage]) (any, error) {
	return nil, protocol.NewError(protocol.CodeNoHandler,
		fmt.Sprintf("no handler for type %s", req.Header.RequestType))
}

type requestKey struct{}

// RequestFromContext returns the header of the request being handled
func RequestFromContext(ctx context.Context) (protocol.RequestHeader, bool) {
	h, ok := ctx.Value(requestKey{}).(protocol.RequestHeader)
	return h, ok
}

func withRequest(ctx context.Context, h protocol.RequestHeader) context.Context {
	return context.WithValue(ctx, requestKey{}, h)
}
