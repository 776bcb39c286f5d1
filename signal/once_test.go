package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	// shortTimeout bounds waits that are expected to never resolve.
	shortTimeout = 50 * time.Millisecond

	// defaultTimeout bounds waits that are expected to resolve.
	defaultTimeout = 5 * time.Second
)

// recvWithin calls Recv on the handle with the given timeout.
func recvWithin(o *Once, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return o.Recv(ctx)
}

// TestOnceRecvExactlyOnce asserts that a handle observes the signal once and
// that a second Recv on the same handle never resolves.
func TestOnceRecvExactlyOnce(t *testing.T) {
	t.Parallel()

	shutdown := NewOnce()
	require.False(t, shutdown.TryRecv())

	// Before the signal is sent, Recv does not resolve.
	err := recvWithin(shutdown, shortTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	shutdown.Send()
	require.NoError(t, recvWithin(shutdown, defaultTimeout))

	// The handle already observed the signal.
	err = recvWithin(shutdown, shortTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, shutdown.Done())

	// TryRecv does not consume and keeps reporting the signal.
	require.True(t, shutdown.TryRecv())
	require.True(t, shutdown.TryRecv())
}

// TestOnceRepeatedSend asserts that sending more than once is harmless and is
// still observed exactly once per handle.
func TestOnceRepeatedSend(t *testing.T) {
	t.Parallel()

	shutdown := NewOnce()
	handle := shutdown.Clone()

	for i := 0; i < 5; i++ {
		shutdown.Send()
	}

	require.NoError(t, recvWithin(handle, defaultTimeout))
	err := recvWithin(handle, shortTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestOnceCloneAfterSend asserts that a handle cloned after the signal was
// sent resolves immediately, even when cloned from a consumed handle.
func TestOnceCloneAfterSend(t *testing.T) {
	t.Parallel()

	shutdown := NewOnce()
	shutdown.Send()
	require.NoError(t, recvWithin(shutdown, defaultTimeout))

	fresh := shutdown.Clone()
	require.NotNil(t, fresh.Done())
	require.NoError(t, recvWithin(fresh, shortTimeout))
}

// TestOnceManyHandles asserts that every clone waiting concurrently wakes on
// a single send.
func TestOnceManyHandles(t *testing.T) {
	t.Parallel()

	const numHandles = 10

	shutdown := NewOnce()

	var wg sync.WaitGroup
	errs := make(chan error, numHandles)
	for i := 0; i < numHandles; i++ {
		handle := shutdown.Clone()

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- recvWithin(handle, defaultTimeout)
		}()
	}

	shutdown.Send()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

// TestOnceSelectObserve asserts that selecting on Done followed by Observe
// consumes the signal for the handle.
func TestOnceSelectObserve(t *testing.T) {
	t.Parallel()

	shutdown := NewOnce()
	shutdown.Send()

	select {
	case <-shutdown.Done():
		shutdown.Observe()
	case <-time.After(defaultTimeout):
		t.Fatal("shutdown not observed")
	}

	select {
	case <-shutdown.Done():
		t.Fatal("shutdown observed twice")
	case <-time.After(shortTimeout):
	}
}

// TestOnceContext asserts that a derived context is cancelled by the signal
// with the shutdown cause and that deriving it does not consume the signal.
func TestOnceContext(t *testing.T) {
	t.Parallel()

	shutdown := NewOnce()

	ctx, cancel := shutdown.Context(context.Background())
	defer cancel()
	require.NoError(t, ctx.Err())

	shutdown.Send()

	select {
	case <-ctx.Done():
	case <-time.After(defaultTimeout):
		t.Fatal("context not cancelled")
	}
	require.True(t, IsShutdown(ctx))
	require.NoError(t, recvWithin(shutdown, defaultTimeout))

	// A plain cancel is not a shutdown.
	other, otherCancel := NewOnce().Context(context.Background())
	otherCancel()
	require.False(t, IsShutdown(other))
}
