package signal

import (
	"context"
	"errors"
	"sync"
)

// ErrShutdown is the cancellation cause of contexts derived with
// Once.Context.
var ErrShutdown = errors.New("shutdown signal received")

// gate is the shared state behind every handle of a Once. It is closed exactly
// once and never reopened.
type gate struct {
	closeOnce sync.Once
	closed    chan struct{}
}

// Once is a shutdown signal that can be sent any number of times from any
// goroutine and that each handle observes at most once. Handles are created
// with Clone and share the underlying gate, but each tracks whether it has
// already observed the signal. A handle that has observed the signal never
// fires again, which keeps a finished actor from being re-triggered. Callers
// that need to be told again must clone a fresh handle.
//
// A Once is not safe for concurrent Recv calls on the same handle. Each
// goroutine should own its own clone.
type Once struct {
	gate *gate

	// observed is set once this handle has seen the signal.
	observed bool
}

// NewOnce creates a new unsent shutdown signal.
func NewOnce() *Once {
	return &Once{
		gate: &gate{
			closed: make(chan struct{}),
		},
	}
}

// Send closes the gate, waking every handle. Subsequent calls are no-ops.
func (o *Once) Send() {
	o.gate.closeOnce.Do(func() {
		close(o.gate.closed)
	})
}

// Clone returns a new handle over the same gate. The returned handle has not
// observed the signal, even if this one has.
func (o *Once) Clone() *Once {
	return &Once{gate: o.gate}
}

// Recv blocks until the signal has been sent, then marks this handle as having
// observed it. If the handle already observed the signal, Recv never resolves
// and instead returns the context error once ctx is done.
func (o *Once) Recv(ctx context.Context) error {
	select {
	case <-o.Done():
		o.observed = true
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once the signal is sent. After this
// handle has observed the signal a nil channel is returned, which blocks
// forever in a select. Callers that select on Done directly must call Observe
// in the branch that fired.
func (o *Once) Done() <-chan struct{} {
	if o.observed {
		return nil
	}

	return o.gate.closed
}

// Observe marks the signal as observed by this handle. It must only be called
// after Done fired.
func (o *Once) Observe() {
	o.observed = true
}

// TryRecv reports whether the signal has been sent without consuming it.
func (o *Once) TryRecv() bool {
	select {
	case <-o.gate.closed:
		return true
	default:
		return false
	}
}

// Context returns a child of ctx that is cancelled with cause ErrShutdown once
// the signal is sent. It does not consume the signal for this handle. The
// returned cancel func must be called to release resources.
func (o *Once) Context(ctx context.Context) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithCancelCause(ctx)

	go func() {
		select {
		case <-o.gate.closed:
			cancel(ErrShutdown)

		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		cancel(context.Canceled)
	}
}

// IsShutdown reports whether ctx was cancelled by a shutdown signal.
func IsShutdown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrShutdown)
}
