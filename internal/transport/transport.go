// Package transport provides the shared bidirectional channel connecting two
// tunnel endpoints. A Transport carries encoded tunnel messages; it knows
// nothing about their contents.
package transport

import "errors"

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// Transport is an opaque, ordered, reliable message channel between two
// tunnel endpoints. Implementations must be safe for concurrent Send, since
// several tunnels may share one Transport.
type Transport interface {
	// Send delivers one encoded tunnel message to the remote endpoint.
	// Delivery failure and backpressure are the transport's own business;
	// callers only learn about a transport that is gone for good.
	Send(data []byte) error

	// OnMessage registers the single callback invoked for every inbound
	// message. It must be called once, before traffic starts.
	OnMessage(fn func(data []byte))

	// Ready is closed when the transport can carry traffic.
	Ready() <-chan struct{}

	// Done is closed when the transport has shut down for any reason.
	Done() <-chan struct{}

	// Close shuts the transport down and releases its resources.
	Close() error
}
