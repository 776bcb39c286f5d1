package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNotifierCoalesces asserts that many sends before a receive result in a
// single pending notification.
func TestNotifierCoalesces(t *testing.T) {
	t.Parallel()

	n := New()
	require.False(t, n.TryRecv())

	for i := 0; i < 10; i++ {
		n.Send()
	}

	require.True(t, n.TryRecv())
	require.False(t, n.TryRecv())

	n.Send()
	<-n.C()
	require.False(t, n.TryRecv())

	n.Send()
	n.Clear()
	require.False(t, n.TryRecv())
}
