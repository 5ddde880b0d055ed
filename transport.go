package pipemsg

import (
	"context"
	"net"
)

// Transport opens local channels. The default is the platform transport:
// Unix domain sockets on Unix-like systems, named pipes on Windows.
type Transport interface {
	// Dial connects to the channel at address.
	Dial(ctx context.Context, address string) (net.Conn, error)
	// Listen binds a listener at address.
	Listen(address string) (net.Listener, error)
}

// AddressFunc maps an identity to a local-channel address.
// Clients and servers using the same identity must derive the same address.
type AddressFunc func(identity string) string

// DefaultTransport returns the platform transport.
func DefaultTransport() Transport {
	return localTransport{}
}
