// Package transport abstracts the publish/subscribe middleware that carries
// command and result messages between commanders and robot controllers.
//
// Implementations must deliver messages on a topic to each subscriber in
// publish order. The dispatch layer relies on that guarantee and does not
// re-order anything itself.
package transport

import (
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Handler receives the payload of one message.
// Handlers for a subscription are called sequentially, never concurrently.
type Handler func(data []byte)

// Publisher sends payloads to a topic.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Subscriber registers handlers on a topic.
type Subscriber interface {
	Subscribe(topic string, handler Handler) (Subscription, error)
}

// Subscription is an active registration; Close stops delivery.
type Subscription interface {
	Close() error
}

// Transport is the composite interface used by robot handles and
// controllers.
type Transport interface {
	Publisher
	Subscriber
	Close() error
}

// Monitor is implemented by transports whose connection can be lost.
// Done is closed when the connection ends; Err then reports why, or nil
// after a local Close.
type Monitor interface {
	Done() <-chan struct{}
	Err() error
}
