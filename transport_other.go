//go:build !unix && !windows

package pipemsg

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var errUnsupportedPlatform = errors.New("local channels are not supported on this platform")

// DefaultAddress returns identity unchanged.
func DefaultAddress(identity string) string {
	return identity
}

type localTransport struct{}

func (localTransport) Dial(context.Context, string) (net.Conn, error) {
	return nil, errUnsupportedPlatform
}

func (localTransport) Listen(string) (net.Listener, error) {
	return nil, errUnsupportedPlatform
}
