package events

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/nodecore/lnnode/payments"
)

// Event is an event released by the protocol engine. The set of events is
// closed.
type Event interface {
	// Name returns a short human readable name for logging.
	Name() string

	isEvent()
}

// PaymentClaimable is emitted when an inbound payment has arrived and can be
// claimed.
type PaymentClaimable struct {
	Hash    lntypes.Hash
	Amount  lnwire.MilliSatoshi
	Purpose payments.Purpose
}

// PaymentClaimed is emitted once an inbound payment was claimed.
type PaymentClaimed struct {
	Hash    lntypes.Hash
	Amount  lnwire.MilliSatoshi
	Purpose payments.Purpose
}

// PaymentSent is emitted when an outbound payment succeeded.
type PaymentSent struct {
	Hash     lntypes.Hash
	Preimage lntypes.Preimage
	FeesPaid lnwire.MilliSatoshi
}

// FailureReason is why the engine gave up on an outbound payment.
type FailureReason uint8

const (
	// FailureRetriesExhausted is used when the engine reports no reason.
	FailureRetriesExhausted FailureReason = iota
	FailureRecipientRejected
	FailureUserAbandoned
	FailurePaymentExpired
	FailureRouteNotFound
	FailureUnexpectedError
)

// String returns a human readable description of the reason.
func (r FailureReason) String() string {
	switch r {
	case FailureRetriesExhausted:
		return "retries exhausted"
	case FailureRecipientRejected:
		return "recipient rejected"
	case FailureUserAbandoned:
		return "user abandoned"
	case FailurePaymentExpired:
		return "payment expired"
	case FailureRouteNotFound:
		return "route not found"
	case FailureUnexpectedError:
		return "unexpected error"
	default:
		return fmt.Sprintf("FailureReason(%d)", uint8(r))
	}
}

// PaymentFailed is emitted when the engine gave up on an outbound payment.
type PaymentFailed struct {
	Hash lntypes.Hash

	// Reason is None if the engine did not report one.
	Reason fn.Option[FailureReason]
}

// SpendableOutput is an output the node can sweep back to its wallet.
type SpendableOutput struct {
	OutPoint wire.OutPoint
	Output   *wire.TxOut
}

// SpendableOutputs is emitted when outputs of a closed channel became
// spendable. The outputs are lost if they aren't swept.
type SpendableOutputs struct {
	Outputs []SpendableOutput

	// ChannelID is the channel the outputs came from, if known.
	ChannelID fn.Option[lnwire.ChannelID]
}

// ChannelClosed is emitted when a channel was closed.
type ChannelClosed struct {
	ChannelID lnwire.ChannelID
	Reason    string
	Capacity  btcutil.Amount
}

// PendingHTLCsForwardable is emitted when HTLCs are waiting to be forwarded.
// They should be forwarded after TimeForwardable.
type PendingHTLCsForwardable struct {
	TimeForwardable time.Duration
}

func (PaymentClaimable) Name() string        { return "payment claimable" }
func (PaymentClaimed) Name() string          { return "payment claimed" }
func (PaymentSent) Name() string             { return "payment sent" }
func (PaymentFailed) Name() string           { return "payment failed" }
func (SpendableOutputs) Name() string        { return "spendable outputs" }
func (ChannelClosed) Name() string           { return "channel closed" }
func (PendingHTLCsForwardable) Name() string { return "pending HTLCs forwardable" }

func (PaymentClaimable) isEvent()        {}
func (PaymentClaimed) isEvent()          {}
func (PaymentSent) isEvent()             {}
func (PaymentFailed) isEvent()           {}
func (SpendableOutputs) isEvent()        {}
func (ChannelClosed) isEvent()           {}
func (PendingHTLCsForwardable) isEvent() {}
