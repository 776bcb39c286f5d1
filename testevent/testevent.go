// Package testevent lets white-box tests wait for things to happen inside the
// node instead of sleeping. Components hold a *Sender, which may be nil in
// production.
package testevent

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/queue"
)

// Event is something a test can wait for.
type Event uint8

const (
	// TxBroadcasted is sent after a transaction was broadcast and applied
	// to the wallet.
	TxBroadcasted Event = iota

	// SyncComplete is sent after a successful chain-state sync pass.
	SyncComplete

	// OnchainSyncComplete is sent after a successful onchain wallet sync
	// pass.
	OnchainSyncComplete

	// PaymentClaimable is sent after a claimable payment was handled.
	PaymentClaimable

	// PaymentClaimed is sent after a claimed payment was handled.
	PaymentClaimed

	// PaymentSent is sent after an outbound payment completed.
	PaymentSent

	// PaymentFailed is sent after an outbound payment failed.
	PaymentFailed

	// EventsProcessed is sent at the end of every background processing
	// pass.
	EventsProcessed

	// ChannelManagerPersisted is sent after the channel manager was
	// persisted.
	ChannelManagerPersisted
)

// String returns a human readable name for the event.
func (e Event) String() string {
	switch e {
	case TxBroadcasted:
		return "TxBroadcasted"
	case SyncComplete:
		return "SyncComplete"
	case OnchainSyncComplete:
		return "OnchainSyncComplete"
	case PaymentClaimable:
		return "PaymentClaimable"
	case PaymentClaimed:
		return "PaymentClaimed"
	case PaymentSent:
		return "PaymentSent"
	case PaymentFailed:
		return "PaymentFailed"
	case EventsProcessed:
		return "EventsProcessed"
	case ChannelManagerPersisted:
		return "ChannelManagerPersisted"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// defaultBufferSize is the number of events buffered before the queue starts
// allocating.
const defaultBufferSize = 16

// Sender emits events. A nil Sender drops them.
type Sender struct {
	q *queue.ConcurrentQueue
}

// Send emits an event. It never blocks.
func (s *Sender) Send(e Event) {
	if s == nil {
		return
	}

	s.q.ChanIn() <- e
}

// Receiver waits for events.
type Receiver struct {
	q *queue.ConcurrentQueue
}

// NewChannel returns a connected sender and receiver. The receiver must be
// stopped when done.
func NewChannel() (*Sender, *Receiver) {
	q := queue.NewConcurrentQueue(defaultBufferSize)
	q.Start()

	return &Sender{q: q}, &Receiver{q: q}
}

// Wait blocks until e was received, discarding all other events.
func (r *Receiver) Wait(ctx context.Context, e Event) error {
	return r.WaitN(ctx, e, 1)
}

// WaitN blocks until e was received n times, discarding all other events.
func (r *Receiver) WaitN(ctx context.Context, e Event, n int) error {
	for seen := 0; seen < n; {
		select {
		case item := <-r.q.ChanOut():
			if item.(Event) == e {
				seen++
			}

		case <-ctx.Done():
			return fmt.Errorf("waiting for %v (%d/%d seen): %w", e,
				seen, n, ctx.Err())
		}
	}

	return nil
}

// Clear discards all events received so far.
func (r *Receiver) Clear() {
	for {
		select {
		case <-r.q.ChanOut():
		default:
			return
		}
	}
}

// Stop shuts down the underlying queue.
func (r *Receiver) Stop() {
	r.q.Stop()
}
