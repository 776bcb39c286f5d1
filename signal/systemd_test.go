package signal

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/stretchr/testify/require"
)

// TestSystemdNotify asserts that readiness and stopping are written to the
// notify socket, and that a missing socket is only an error when one was
// configured.
func TestSystemdNotify(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{
		Name: socketPath,
		Net:  "unixgram",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	read := func() string {
		t.Helper()

		require.NoError(t, conn.SetReadDeadline(
			time.Now().Add(defaultTimeout),
		))

		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		require.NoError(t, err)

		return string(buf[:n])
	}

	t.Setenv("NOTIFY_SOCKET", socketPath)

	require.NoError(t, NotifyReady())
	require.Equal(t, daemon.SdNotifyReady, read())

	NotifyStopping()
	require.Equal(t, daemon.SdNotifyStopping, read())

	// Outside systemd there is nothing to notify.
	t.Setenv("NOTIFY_SOCKET", "")
	require.NoError(t, NotifyReady())

	// A configured socket nobody listens on fails readiness.
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "gone.sock"))
	require.Error(t, NotifyReady())
}
