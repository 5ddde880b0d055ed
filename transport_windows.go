//go:build windows

package pipemsg

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// DefaultAddress returns the named-pipe path for identity.
func DefaultAddress(identity string) string {
	if strings.HasPrefix(identity, pipePrefix) {
		return identity
	}
	return pipePrefix + identity
}

type localTransport struct{}

func (localTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, address)
}

func (localTransport) Listen(address string) (net.Listener, error) {
	return winio.ListenPipe(address, nil)
}
