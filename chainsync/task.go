package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nodecore/lnnode/notify"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
)

const (
	// DefaultInterval is how often a task resyncs on its own.
	DefaultInterval = 10 * time.Minute

	// DefaultTimeout bounds a single sync pass.
	DefaultTimeout = 30 * time.Second

	// resyncQueueSize is the number of resync requests that can be queued
	// while a pass is running.
	resyncQueueSize = 32
)

var (
	// ErrSyncTimeout is returned by a pass that did not finish in time.
	ErrSyncTimeout = errors.New("sync timed out")

	// ErrTaskStopped is returned when waiting on a task that has exited.
	ErrTaskStopped = errors.New("sync task stopped")
)

// Config houses the parameters of a sync Task.
type Config struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Ticker triggers periodic passes.
	Ticker ticker.Ticker

	// Timeout bounds a single pass.
	Timeout time.Duration

	// Sync performs one pass. It must return once ctx is done.
	Sync func(ctx context.Context) error

	// NewState, if set, is notified after every successful pass.
	NewState *notify.Notifier

	// Shutdown stops the task when sent. A pass in flight is abandoned.
	Shutdown *signal.Once

	// TestEvents receives SuccessEvent after every successful pass.
	TestEvents *testevent.Sender

	// SuccessEvent is the test event sent after a successful pass.
	SuccessEvent testevent.Event

	// OnPass, if set, is called with the duration and outcome of every
	// completed pass.
	OnPass func(elapsed time.Duration, err error)
}

// Task periodically runs a sync function. Besides its own schedule it can be
// asked to resync by any number of callers, who are all served by the next
// pass. The outcome of the very first pass is reported separately so startup
// code can wait for the initial sync.
type Task struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// resyncReqs carries the done channels of resync callers.
	resyncReqs chan chan struct{}

	// firstSync receives the outcome of the first pass.
	firstSync chan error

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewTask creates a sync task. Start must be called to run it.
func NewTask(cfg *Config) *Task {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultInterval)
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = signal.NewOnce()
	}

	return &Task{
		cfg:        cfg,
		resyncReqs: make(chan chan struct{}, resyncQueueSize),
		firstSync:  make(chan error, 1),
		quit:       make(chan struct{}),
	}
}

// Start launches the sync loop.
func (t *Task) Start() error {
	t.started.Do(func() {
		log.Infof("Starting %v sync task", t.cfg.Name)

		t.cfg.Ticker.Resume()

		t.wg.Add(1)
		go t.syncLoop(t.cfg.Shutdown.Clone())
	})

	return nil
}

// Stop stops the sync loop and waits for it to exit.
func (t *Task) Stop() error {
	t.stopped.Do(func() {
		log.Infof("Stopping %v sync task", t.cfg.Name)

		close(t.quit)
		t.wg.Wait()
		t.cfg.Ticker.Stop()
	})

	return nil
}

// FirstSync returns a channel that receives the outcome of the first pass.
// It is read at most once.
func (t *Task) FirstSync() <-chan error {
	return t.firstSync
}

// Resync asks for a pass and blocks until one has completed, successfully or
// not. Callers that only care about a fresh pass having happened need not
// inspect its outcome.
func (t *Task) Resync(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case t.resyncReqs <- done:
	case <-t.quit:
		return ErrTaskStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-t.quit:
		return ErrTaskStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncLoop waits for a tick or resync request and runs a pass. It must be run
// as a goroutine.
func (t *Task) syncLoop(shutdown *signal.Once) {
	defer t.wg.Done()

	firstReported := false

	for {
		var waiters []chan struct{}

		select {
		case <-t.cfg.Ticker.Ticks():

		case done := <-t.resyncReqs:
			waiters = append(waiters, done)

		case <-shutdown.Done():
			shutdown.Observe()
			log.Infof("%v sync task received shutdown", t.cfg.Name)
			return

		case <-t.quit:
			return
		}

		// Serve every request queued so far with this single pass.
		waiters = t.drainRequests(waiters)

		start := time.Now()
		err := t.runPass()
		elapsed := time.Since(start)

		if errors.Is(err, signal.ErrShutdown) ||
			errors.Is(err, ErrTaskStopped) {

			log.Infof("%v sync aborted after %v: %v", t.cfg.Name,
				elapsed, err)
			return
		}

		if err != nil {
			log.Errorf("%v sync failed after %v: %v", t.cfg.Name,
				elapsed, err)
		} else {
			log.Infof("%v sync completed in %v", t.cfg.Name,
				elapsed)
		}

		if t.cfg.OnPass != nil {
			t.cfg.OnPass(elapsed, err)
		}

		if !firstReported {
			firstReported = true
			t.firstSync <- err
		}

		if err == nil {
			if t.cfg.NewState != nil {
				t.cfg.NewState.Send()
			}
			t.cfg.TestEvents.Send(t.cfg.SuccessEvent)
		}

		// Waiters are released in the order they asked.
		for _, done := range waiters {
			close(done)
		}
	}
}

// drainRequests appends every queued resync request to waiters.
func (t *Task) drainRequests(waiters []chan struct{}) []chan struct{} {
	for {
		select {
		case done := <-t.resyncReqs:
			waiters = append(waiters, done)
		default:
			return waiters
		}
	}
}

// runPass runs the sync function bounded by the timeout and raced against
// shutdown. A sync function that ignores its context is abandoned rather than
// waited for.
func (t *Task) runPass() error {
	ctx, cancel := t.cfg.Shutdown.Context(context.Background())
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancelTimeout()

	result := make(chan error, 1)
	go func() {
		result <- t.cfg.Sync(ctx)
	}()

	select {
	case err := <-result:
		if err != nil && ctx.Err() != nil {
			return t.abortReason(ctx)
		}

		return err

	case <-ctx.Done():
		return t.abortReason(ctx)

	case <-t.quit:
		return ErrTaskStopped
	}
}

// abortReason tells a shutdown apart from a timeout.
func (t *Task) abortReason(ctx context.Context) error {
	if signal.IsShutdown(ctx) {
		return signal.ErrShutdown
	}

	return fmt.Errorf("%v: %w after %v", t.cfg.Name, ErrSyncTimeout,
		t.cfg.Timeout)
}
