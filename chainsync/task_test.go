package chainsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntest/wait"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nodecore/lnnode/notify"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type taskHarness struct {
	t *testing.T

	task     *Task
	ticker   *ticker.Force
	shutdown *signal.Once
	newState *notify.Notifier
	events   *testevent.Receiver

	calls atomic.Int32
}

func newTaskHarness(t *testing.T, timeout time.Duration,
	syncFn func(ctx context.Context) error) *taskHarness {

	h := &taskHarness{
		t:        t,
		ticker:   ticker.NewForce(DefaultInterval),
		shutdown: signal.NewOnce(),
		newState: notify.New(),
	}

	sender, receiver := testevent.NewChannel()
	h.events = receiver
	t.Cleanup(receiver.Stop)

	h.task = NewTask(&Config{
		Name:    "test",
		Ticker:  h.ticker,
		Timeout: timeout,
		Sync: func(ctx context.Context) error {
			h.calls.Add(1)
			return syncFn(ctx)
		},
		NewState:     h.newState,
		Shutdown:     h.shutdown,
		TestEvents:   sender,
		SuccessEvent: testevent.SyncComplete,
	})
	require.NoError(t, h.task.Start())
	t.Cleanup(func() {
		require.NoError(t, h.task.Stop())
	})

	return h
}

func (h *taskHarness) firstSync() error {
	select {
	case err := <-h.task.FirstSync():
		return err
	case <-time.After(testTimeout):
		h.t.Fatalf("first sync not reported")
		return nil
	}
}

// TestTaskTickRunsPass asserts that a tick triggers a pass whose outcome is
// reported as the first sync, followed by a new state notification.
func TestTaskTickRunsPass(t *testing.T) {
	t.Parallel()

	h := newTaskHarness(t, time.Second, func(context.Context) error {
		return nil
	})

	h.ticker.Force <- time.Now()

	require.NoError(t, h.firstSync())

	select {
	case <-h.newState.C():
	case <-time.After(testTimeout):
		t.Fatalf("new state not notified")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, h.events.Wait(ctx, testevent.SyncComplete))
}

// TestTaskFirstSyncReportsFailure asserts that a failed first pass is
// reported, that later passes are not, and that no new state is announced.
func TestTaskFirstSyncReportsFailure(t *testing.T) {
	t.Parallel()

	errBackend := errors.New("backend down")
	var fail atomic.Bool
	fail.Store(true)

	h := newTaskHarness(t, time.Second, func(context.Context) error {
		if fail.Load() {
			return errBackend
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// Waiters are released on failure too.
	require.NoError(t, h.task.Resync(ctx))
	require.ErrorIs(t, h.firstSync(), errBackend)
	require.False(t, h.newState.TryRecv())

	fail.Store(false)
	require.NoError(t, h.task.Resync(ctx))
	require.True(t, h.newState.TryRecv())

	select {
	case err := <-h.task.FirstSync():
		t.Fatalf("first sync reported twice: %v", err)
	default:
	}
}

// TestTaskResyncBatch asserts that resync requests queued while a pass is in
// flight are all served by the following pass.
func TestTaskResyncBatch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 10)

	h := newTaskHarness(t, testTimeout, func(ctx context.Context) error {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// Hold the first pass open.
	h.ticker.Force <- time.Now()
	<-entered

	const numWaiters = 5
	var wg sync.WaitGroup
	errs := make(chan error, numWaiters)
	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.task.Resync(ctx)
		}()
	}

	// Every request must be queued before the first pass ends.
	err := wait.Predicate(func() bool {
		return len(h.task.resyncReqs) == numWaiters
	}, testTimeout)
	require.NoError(t, err)

	release <- struct{}{}
	<-entered
	close(release)

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, 2, h.calls.Load())
}

// TestTaskTimeout asserts that a sync hanging past its timeout is abandoned
// with ErrSyncTimeout and that the loop keeps serving requests.
func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	var first atomic.Bool
	first.Store(true)

	h := newTaskHarness(t, 50*time.Millisecond, func(context.Context) error {
		// The first pass ignores its context entirely.
		if first.CompareAndSwap(true, false) {
			<-hang
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, h.task.Resync(ctx))
	require.ErrorIs(t, h.firstSync(), ErrSyncTimeout)

	require.NoError(t, h.task.Resync(ctx))
	require.EqualValues(t, 2, h.calls.Load())
}

// TestTaskShutdownMidPass asserts that a shutdown aborts a running pass
// without releasing waiters or reporting a first sync, and that the loop
// exits promptly.
func TestTaskShutdownMidPass(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	h := newTaskHarness(t, time.Hour, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	resyncErr := make(chan error, 1)
	go func() {
		resyncErr <- h.task.Resync(context.Background())
	}()

	<-entered
	h.shutdown.Send()

	// The loop exits without serving the waiter, so only Stop releases
	// it.
	select {
	case err := <-resyncErr:
		t.Fatalf("waiter released by aborted pass: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.task.Stop())
	require.ErrorIs(t, <-resyncErr, ErrTaskStopped)

	select {
	case err := <-h.task.FirstSync():
		t.Fatalf("unexpected first sync: %v", err)
	default:
	}
	require.False(t, h.newState.TryRecv())
}

// TestTaskStoppedResync asserts that Resync fails once the task is stopped.
func TestTaskStoppedResync(t *testing.T) {
	t.Parallel()

	h := newTaskHarness(t, time.Second, func(context.Context) error {
		return nil
	})
	require.NoError(t, h.task.Stop())

	err := h.task.Resync(context.Background())
	require.ErrorIs(t, err, ErrTaskStopped)
}
