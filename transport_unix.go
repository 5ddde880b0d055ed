//go:build unix

package pipemsg

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultAddress returns the socket path for identity: identity itself if it
// is an absolute path, otherwise <tmpdir>/<identity>.sock.
func DefaultAddress(identity string) string {
	if filepath.IsAbs(identity) {
		return identity
	}
	return filepath.Join(os.TempDir(), identity+".sock")
}

type localTransport struct{}

func (localTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}

func (localTransport) Listen(address string) (net.Listener, error) {
	if err := removeStaleSocket(address); err != nil {
		return nil, err
	}
	return net.Listen("unix", address)
}

// removeStaleSocket removes a leftover entry at path so that bind cannot
// fail on it. Directories are never removed.
func removeStaleSocket(path string) error {
	var st unix.Stat_t
	err := unix.Lstat(path, &st)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return errors.Errorf("%s is a directory", path)
	}

	return errors.Wrapf(unix.Unlink(path), "remove stale socket %s", path)
}
