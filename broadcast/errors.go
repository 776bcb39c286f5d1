package broadcast

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrQueueFull is returned when the request queue has no room left.
	ErrQueueFull = errors.New("broadcast queue full")

	// ErrBroadcasterStopped is returned when the broadcaster is not
	// running.
	ErrBroadcasterStopped = errors.New("tx broadcaster stopped")

	// ErrResponderDropped is returned when the broadcaster exited without
	// answering a request.
	ErrResponderDropped = errors.New("broadcaster dropped the request")

	// ErrResponseTimeout is returned when no answer arrived within the
	// response timeout.
	ErrResponseTimeout = errors.New("timed out waiting for broadcast " +
		"response")
)

// ErrorKind tells the caller of BroadcastTransaction at which stage a
// broadcast failed.
type ErrorKind uint8

const (
	// KindQueue means the request never reached the broadcaster.
	KindQueue ErrorKind = iota

	// KindHook means the pre-broadcast hook rejected the transaction.
	KindHook

	// KindChain means the chain backend rejected the transaction or could
	// not be reached.
	KindChain

	// KindResponderDropped means the broadcaster exited before answering.
	KindResponderDropped

	// KindTimeout means the caller gave up waiting.
	KindTimeout
)

// String returns a human readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindHook:
		return "hook"
	case KindChain:
		return "chain"
	case KindResponderDropped:
		return "responder dropped"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned by BroadcastTransaction.
type Error struct {
	Kind ErrorKind
	Txid chainhash.Hash
	Err  error
}

// Error returns the kind, txid and underlying error.
func (e *Error) Error() string {
	return fmt.Sprintf("broadcast of %v failed (%v): %v", e.Txid, e.Kind,
		e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a broadcast error, if err is one.
func KindOf(err error) (ErrorKind, bool) {
	var bErr *Error
	if !errors.As(err, &bErr) {
		return 0, false
	}

	return bErr.Kind, true
}
