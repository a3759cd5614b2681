// Package transport defines the publish/subscribe surface a node talks over.
// Implementations live in the memory and nsq subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport or channel
var ErrClosed = errors.New("transport closed")

// Handler receives each message published to a bound channel. Handlers for
// one binding are called sequentially.
type Handler func(ctx context.Context, msg []byte)

// Channel is a named destination. Send works whether or not the binding
// has a handler.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg []byte) error
	// Unsubscribe stops delivery to this binding's handler
	Unsubscribe() error
}

// PubSub binds named channels. A nil handler binds publish-only.
type PubSub interface {
	Bind(ctx context.Context, name string, h Handler) (Channel, error)
	Close() error
}
