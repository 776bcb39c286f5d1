package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ConfirmationThreshold is the number of confirmations after which an onchain
// payment is final.
const ConfirmationThreshold = 6

// Payment is a record in the payment ledger. It is implemented by the six
// payment variants of this package.
type Payment interface {
	// ID is the unique key of the payment.
	ID() ID

	// Kind is the payment variant.
	Kind() Kind

	Direction() Direction

	// Amount is the amount sent or received, if known.
	Amount() fn.Option[lnwire.MilliSatoshi]

	// Fees are the fees paid by us.
	Fees() lnwire.MilliSatoshi

	// Status is the general status of the payment.
	Status() Status

	// StatusStr is a human readable variant specific status.
	StatusStr() string

	Note() string

	CreatedAt() time.Time

	// FinalizedAt is set iff Status is Completed or Failed.
	FinalizedAt() fn.Option[time.Time]

	// clone returns a deep copy so transitions never mutate a committed
	// record.
	clone() Payment

	setNote(note string)

	setFinalizedAt(t *time.Time)
}

// Common holds the fields shared by every payment variant.
type Common struct {
	NoteText string `json:"note,omitempty"`

	Created time.Time `json:"created_at"`

	Finalized *time.Time `json:"finalized_at,omitempty"`
}

func (c *Common) Note() string {
	return c.NoteText
}

func (c *Common) CreatedAt() time.Time {
	return c.Created
}

func (c *Common) FinalizedAt() fn.Option[time.Time] {
	if c.Finalized == nil {
		return fn.None[time.Time]()
	}

	return fn.Some(*c.Finalized)
}

func (c *Common) setNote(note string) {
	c.NoteText = note
}

func (c *Common) setFinalizedAt(t *time.Time) {
	c.Finalized = t
}

func (c *Common) finalize(now time.Time) {
	c.Finalized = &now
}

func (c Common) cloneCommon() Common {
	if c.Finalized != nil {
		t := *c.Finalized
		c.Finalized = &t
	}

	return c
}

func satToMsat(amt btcutil.Amount) lnwire.MilliSatoshi {
	return lnwire.NewMSatFromSatoshis(amt)
}

// OnchainDeposit is an onchain payment to our wallet.
type OnchainDeposit struct {
	Common

	Txid          chainhash.Hash       `json:"txid"`
	AmountSat     btcutil.Amount       `json:"amount_sat"`
	Confirmations uint32               `json:"confirmations"`
	State         OnchainReceiveStatus `json:"status"`
}

func (p *OnchainDeposit) ID() ID               { return OnchainID(p.Txid) }
func (p *OnchainDeposit) Kind() Kind           { return KindOnchainDeposit }
func (p *OnchainDeposit) Direction() Direction { return Inbound }
func (p *OnchainDeposit) Status() Status       { return p.State.general() }
func (p *OnchainDeposit) StatusStr() string    { return p.State.String() }

func (p *OnchainDeposit) Amount() fn.Option[lnwire.MilliSatoshi] {
	return fn.Some(satToMsat(p.AmountSat))
}

func (p *OnchainDeposit) Fees() lnwire.MilliSatoshi {
	return 0
}

func (p *OnchainDeposit) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()

	return &c
}

// OnchainWithdrawal is an onchain payment from our wallet.
type OnchainWithdrawal struct {
	Common

	Txid          chainhash.Hash    `json:"txid"`
	AmountSat     btcutil.Amount    `json:"amount_sat"`
	FeesSat       btcutil.Amount    `json:"fees_sat"`
	Confirmations uint32            `json:"confirmations"`
	State         OnchainSendStatus `json:"status"`
}

func (p *OnchainWithdrawal) ID() ID               { return OnchainID(p.Txid) }
func (p *OnchainWithdrawal) Kind() Kind           { return KindOnchainWithdrawal }
func (p *OnchainWithdrawal) Direction() Direction { return Outbound }
func (p *OnchainWithdrawal) Status() Status       { return p.State.general() }
func (p *OnchainWithdrawal) StatusStr() string    { return p.State.String() }

func (p *OnchainWithdrawal) Amount() fn.Option[lnwire.MilliSatoshi] {
	return fn.Some(satToMsat(p.AmountSat))
}

func (p *OnchainWithdrawal) Fees() lnwire.MilliSatoshi {
	return satToMsat(p.FeesSat)
}

func (p *OnchainWithdrawal) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()

	return &c
}

// InboundInvoice is a lightning payment to an invoice we generated.
type InboundInvoice struct {
	Common

	// Invoice is the BOLT 11 payment request.
	Invoice string `json:"invoice"`

	Hash     lntypes.Hash     `json:"hash"`
	Secret   [32]byte         `json:"secret"`
	Preimage lntypes.Preimage `json:"preimage"`

	// InvoiceAmount is the amount requested, if any.
	InvoiceAmount *lnwire.MilliSatoshi `json:"invoice_amount_msat,omitempty"`

	// RecvdAmount is set once the payment became claimable.
	RecvdAmount *lnwire.MilliSatoshi `json:"recvd_amount_msat,omitempty"`

	// ExpiresAt is the invoice expiry.
	ExpiresAt time.Time `json:"expires_at"`

	State InboundInvoiceStatus `json:"status"`
}

func (p *InboundInvoice) ID() ID               { return LightningID(p.Hash) }
func (p *InboundInvoice) Kind() Kind           { return KindInboundInvoice }
func (p *InboundInvoice) Direction() Direction { return Inbound }
func (p *InboundInvoice) Status() Status       { return p.State.general() }
func (p *InboundInvoice) StatusStr() string    { return p.State.String() }

// Amount prefers the received amount over the requested one.
func (p *InboundInvoice) Amount() fn.Option[lnwire.MilliSatoshi] {
	switch {
	case p.RecvdAmount != nil:
		return fn.Some(*p.RecvdAmount)
	case p.InvoiceAmount != nil:
		return fn.Some(*p.InvoiceAmount)
	default:
		return fn.None[lnwire.MilliSatoshi]()
	}
}

func (p *InboundInvoice) Fees() lnwire.MilliSatoshi {
	return 0
}

func (p *InboundInvoice) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()
	c.InvoiceAmount = cloneAmount(p.InvoiceAmount)
	c.RecvdAmount = cloneAmount(p.RecvdAmount)

	return &c
}

// InboundSpontaneous is a keysend payment to us.
type InboundSpontaneous struct {
	Common

	Hash     lntypes.Hash             `json:"hash"`
	Preimage lntypes.Preimage         `json:"preimage"`
	Amt      lnwire.MilliSatoshi      `json:"amount_msat"`
	State    InboundSpontaneousStatus `json:"status"`
}

func (p *InboundSpontaneous) ID() ID               { return LightningID(p.Hash) }
func (p *InboundSpontaneous) Kind() Kind           { return KindInboundSpontaneous }
func (p *InboundSpontaneous) Direction() Direction { return Inbound }
func (p *InboundSpontaneous) Status() Status       { return p.State.general() }
func (p *InboundSpontaneous) StatusStr() string    { return p.State.String() }

func (p *InboundSpontaneous) Amount() fn.Option[lnwire.MilliSatoshi] {
	return fn.Some(p.Amt)
}

func (p *InboundSpontaneous) Fees() lnwire.MilliSatoshi {
	return 0
}

func (p *InboundSpontaneous) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()

	return &c
}

// OutboundInvoice is a lightning payment we sent to an invoice.
type OutboundInvoice struct {
	Common

	Invoice string       `json:"invoice"`
	Hash    lntypes.Hash `json:"hash"`

	// Preimage is set once the payment completed.
	Preimage *lntypes.Preimage `json:"preimage,omitempty"`

	Amt      lnwire.MilliSatoshi `json:"amount_msat"`
	FeesMsat lnwire.MilliSatoshi `json:"fees_msat"`

	ExpiresAt time.Time `json:"expires_at"`

	// FailureReason is set if the payment failed.
	FailureReason string `json:"failure_reason,omitempty"`

	State OutboundInvoiceStatus `json:"status"`
}

func (p *OutboundInvoice) ID() ID               { return LightningID(p.Hash) }
func (p *OutboundInvoice) Kind() Kind           { return KindOutboundInvoice }
func (p *OutboundInvoice) Direction() Direction { return Outbound }
func (p *OutboundInvoice) Status() Status       { return p.State.general() }
func (p *OutboundInvoice) StatusStr() string    { return p.State.String() }

func (p *OutboundInvoice) Amount() fn.Option[lnwire.MilliSatoshi] {
	return fn.Some(p.Amt)
}

func (p *OutboundInvoice) Fees() lnwire.MilliSatoshi {
	return p.FeesMsat
}

func (p *OutboundInvoice) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()
	c.Preimage = clonePreimage(p.Preimage)

	return &c
}

// OutboundSpontaneous is a keysend payment we sent.
type OutboundSpontaneous struct {
	Common

	Hash     lntypes.Hash      `json:"hash"`
	Preimage *lntypes.Preimage `json:"preimage,omitempty"`

	Amt      lnwire.MilliSatoshi `json:"amount_msat"`
	FeesMsat lnwire.MilliSatoshi `json:"fees_msat"`

	FailureReason string `json:"failure_reason,omitempty"`

	State OutboundSpontaneousStatus `json:"status"`
}

func (p *OutboundSpontaneous) ID() ID               { return LightningID(p.Hash) }
func (p *OutboundSpontaneous) Kind() Kind           { return KindOutboundSpontaneous }
func (p *OutboundSpontaneous) Direction() Direction { return Outbound }
func (p *OutboundSpontaneous) Status() Status       { return p.State.general() }
func (p *OutboundSpontaneous) StatusStr() string    { return p.State.String() }

func (p *OutboundSpontaneous) Amount() fn.Option[lnwire.MilliSatoshi] {
	return fn.Some(p.Amt)
}

func (p *OutboundSpontaneous) Fees() lnwire.MilliSatoshi {
	return p.FeesMsat
}

func (p *OutboundSpontaneous) clone() Payment {
	c := *p
	c.Common = p.cloneCommon()
	c.Preimage = clonePreimage(p.Preimage)

	return &c
}

func cloneAmount(a *lnwire.MilliSatoshi) *lnwire.MilliSatoshi {
	if a == nil {
		return nil
	}
	c := *a

	return &c
}

func clonePreimage(p *lntypes.Preimage) *lntypes.Preimage {
	if p == nil {
		return nil
	}
	c := *p

	return &c
}

// ErrInvariantViolated is wrapped by the errors of AssertInvariants.
var ErrInvariantViolated = errors.New("payment invariant violated")

// AssertInvariants checks that a payment is internally consistent. Most
// importantly a payment has a finalization time iff it is Completed or
// Failed.
func AssertInvariants(p Payment) error {
	final := p.Status().IsFinal()
	hasFinalized := p.FinalizedAt().IsSome()

	switch {
	case final && !hasFinalized:
		return fmt.Errorf("%w: %v is %v but has no finalized_at",
			ErrInvariantViolated, p.ID(), p.Status())

	case !final && hasFinalized:
		return fmt.Errorf("%w: %v is %v but has finalized_at",
			ErrInvariantViolated, p.ID(), p.Status())
	}

	switch p := p.(type) {
	case *InboundInvoice:
		claimed := p.State == InboundInvoiceClaiming ||
			p.State == InboundInvoiceCompleted
		if claimed && p.RecvdAmount == nil {
			return fmt.Errorf("%w: %v is %v without a received "+
				"amount", ErrInvariantViolated, p.ID(),
				p.StatusStr())
		}

	case *OutboundInvoice:
		if p.State == OutboundInvoiceCompleted && p.Preimage == nil {
			return fmt.Errorf("%w: %v completed without a "+
				"preimage", ErrInvariantViolated, p.ID())
		}

	case *OutboundSpontaneous:
		if p.State == OutboundSpontaneousCompleted &&
			p.Preimage == nil {

			return fmt.Errorf("%w: %v completed without a "+
				"preimage", ErrInvariantViolated, p.ID())
		}

	case *OnchainDeposit:
		if p.State == ReceiveFullyConfirmed &&
			p.Confirmations < ConfirmationThreshold {

			return fmt.Errorf("%w: %v fully confirmed with %d "+
				"confirmations", ErrInvariantViolated, p.ID(),
				p.Confirmations)
		}

	case *OnchainWithdrawal:
		if p.State == SendFullyConfirmed &&
			p.Confirmations < ConfirmationThreshold {

			return fmt.Errorf("%w: %v fully confirmed with %d "+
				"confirmations", ErrInvariantViolated, p.ID(),
				p.Confirmations)
		}
	}

	return nil
}

// repairFinalization restores the finalization invariant in place. Only the
// finalization time is touched; other violations are left for the caller to
// report.
func repairFinalization(p Payment, now time.Time) {
	final := p.Status().IsFinal()
	hasFinalized := p.FinalizedAt().IsSome()

	switch {
	case final && !hasFinalized:
		p.setFinalizedAt(&now)

	case !final && hasFinalized:
		p.setFinalizedAt(nil)
	}
}
