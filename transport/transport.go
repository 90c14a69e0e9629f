// Package transport defines the engine's wire-level port (spec §6
// "Transport port") and a handful of concrete implementations. Unlike the
// pull-style channel abstraction this package's framings are adapted from,
// a Transport is push-style: the engine registers callbacks once via
// SetHandlers and the transport invokes them as bytes arrive, rather than
// the engine looping on a blocking Recv.
package transport

// Transport is the wire-level port an Engine drives. Implementations own a
// single underlying connection (a pair of pipes, a socket, an HTTP stream)
// and deliver exactly one message per Send/OnMessage call; message framing
// and encoding are the Transport's responsibility, not the engine's.
type Transport interface {
	// Start begins reading from the underlying connection, invoking the
	// handlers registered via SetHandlers as events occur. Start must not
	// block; reading happens on a goroutine owned by the transport.
	Start() error

	// Send writes one message. It is safe to call concurrently with itself
	// and with Start, but implementations serialize the actual writes.
	Send(msg []byte) error

	// Close shuts down the underlying connection. After Close, OnClose has
	// been invoked (if not already) and no further OnMessage/OnError calls
	// will occur.
	Close() error

	// SetHandlers registers the engine's callbacks. It must be called
	// before Start. onMessage is invoked once per inbound message; onError
	// is invoked for a framing or I/O error that does not itself close the
	// connection; onClose is invoked exactly once, when the connection is
	// no longer usable (whether due to a clean Close, a read error, or
	// EOF from the peer).
	SetHandlers(onMessage func(msg []byte), onError func(err error), onClose func())
}
