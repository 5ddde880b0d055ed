//go:build unix

package pipemsg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAddress_Unix(t *testing.T) {
	assert.Equal(t, filepath.Join(os.TempDir(), "svc.sock"), DefaultAddress("svc"))
	assert.Equal(t, "/run/app.sock", DefaultAddress("/run/app.sock"))
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	identity := testIdentity(t)
	require.NoError(t, os.WriteFile(identity, []byte("stale"), 0o600))

	server := NewServer(identity, ServerLoggerOption(NopLogger{}))
	require.NoError(t, server.Listen(nil))
	defer server.Close()

	c := dialTest(t, identity)
	assert.Equal(t, StateReady, c.State())
}

func TestServer_StaleLeftByPreviousServer(t *testing.T) {
	identity := testIdentity(t)

	first := NewServer(identity, ServerLoggerOption(NopLogger{}))
	require.NoError(t, first.Listen(nil))

	// A second listener on the same path replaces the first socket file.
	second := NewServer(identity, ServerLoggerOption(NopLogger{}))
	require.NoError(t, second.Listen(nil))
	defer second.Close()
	defer first.Close()

	dialTest(t, identity)
}

func TestRemoveStaleSocket(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, removeStaleSocket(filepath.Join(dir, "missing")))

	assert.Error(t, removeStaleSocket(dir))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	require.NoError(t, removeStaleSocket(file))
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}
