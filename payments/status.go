package payments

import (
	"encoding/json"
	"fmt"
)

// Direction is the flow of funds of a payment relative to us.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

// String returns a human readable direction.
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}

	return "outbound"
}

// Status is the general status shared by every kind of payment.
type Status uint8

const (
	// StatusPending payments are not finalized yet.
	StatusPending Status = iota

	// StatusCompleted payments were finalized successfully.
	StatusCompleted

	// StatusFailed payments were finalized unsuccessfully.
	StatusFailed
)

// String returns a human readable status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// IsFinal reports whether s is Completed or Failed.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind is the variant of a payment.
type Kind uint8

const (
	KindOnchainDeposit Kind = iota + 1
	KindOnchainWithdrawal
	KindInboundInvoice
	KindInboundSpontaneous
	KindOutboundInvoice
	KindOutboundSpontaneous
)

// String returns a human readable kind.
func (k Kind) String() string {
	switch k {
	case KindOnchainDeposit:
		return "onchain_deposit"
	case KindOnchainWithdrawal:
		return "onchain_withdrawal"
	case KindInboundInvoice:
		return "inbound_invoice"
	case KindInboundSpontaneous:
		return "inbound_spontaneous"
	case KindOutboundInvoice:
		return "outbound_invoice"
	case KindOutboundSpontaneous:
		return "outbound_spontaneous"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// variantStatus is implemented by the per-variant status enums.
type variantStatus interface {
	fmt.Stringer

	general() Status
}

// statusNames maps per-variant statuses to and from their JSON names.
type statusNames[S ~uint8] []string

func (n statusNames[S]) name(s S) string {
	if int(s) < len(n) {
		return n[s]
	}

	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (n statusNames[S]) marshal(s S) ([]byte, error) {
	if int(s) >= len(n) {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}

	return json.Marshal(n[s])
}

func (n statusNames[S]) unmarshal(data []byte, s *S) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for i, candidate := range n {
		if candidate == name {
			*s = S(i)
			return nil
		}
	}

	return fmt.Errorf("unknown status %q", name)
}

// InboundInvoiceStatus is the state of an InboundInvoice.
type InboundInvoiceStatus uint8

const (
	// InvoiceGenerated invoices have not been paid yet.
	InvoiceGenerated InboundInvoiceStatus = iota

	// InboundInvoiceClaiming payments received a claimable notification
	// and are being claimed.
	InboundInvoiceClaiming

	// InboundInvoiceCompleted payments were claimed.
	InboundInvoiceCompleted

	// InboundInvoiceTimedOut invoices expired before being paid.
	InboundInvoiceTimedOut
)

var inboundInvoiceNames = statusNames[InboundInvoiceStatus]{
	"invoice_generated", "claiming", "completed", "timed_out",
}

func (s InboundInvoiceStatus) String() string {
	switch s {
	case InvoiceGenerated:
		return "invoice generated"
	case InboundInvoiceClaiming:
		return "claiming"
	case InboundInvoiceCompleted:
		return "completed"
	case InboundInvoiceTimedOut:
		return "invoice expired"
	}

	return inboundInvoiceNames.name(s)
}

func (s InboundInvoiceStatus) general() Status {
	switch s {
	case InboundInvoiceCompleted:
		return StatusCompleted
	case InboundInvoiceTimedOut:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (s InboundInvoiceStatus) MarshalJSON() ([]byte, error) {
	return inboundInvoiceNames.marshal(s)
}

func (s *InboundInvoiceStatus) UnmarshalJSON(data []byte) error {
	return inboundInvoiceNames.unmarshal(data, s)
}

// InboundSpontaneousStatus is the state of an InboundSpontaneous payment.
// There is no failure state: once claiming starts the funds are ours.
type InboundSpontaneousStatus uint8

const (
	InboundSpontaneousClaiming InboundSpontaneousStatus = iota
	InboundSpontaneousCompleted
)

var inboundSpontaneousNames = statusNames[InboundSpontaneousStatus]{
	"claiming", "completed",
}

func (s InboundSpontaneousStatus) String() string {
	return inboundSpontaneousNames.name(s)
}

func (s InboundSpontaneousStatus) general() Status {
	if s == InboundSpontaneousCompleted {
		return StatusCompleted
	}

	return StatusPending
}

func (s InboundSpontaneousStatus) MarshalJSON() ([]byte, error) {
	return inboundSpontaneousNames.marshal(s)
}

func (s *InboundSpontaneousStatus) UnmarshalJSON(data []byte) error {
	return inboundSpontaneousNames.unmarshal(data, s)
}

// OutboundInvoiceStatus is the state of an OutboundInvoice payment.
type OutboundInvoiceStatus uint8

const (
	// OutboundInvoicePending payments are in flight.
	OutboundInvoicePending OutboundInvoiceStatus = iota

	// OutboundInvoiceAbandoning payments expired and were abandoned, but
	// may still succeed until the engine reports a final outcome.
	OutboundInvoiceAbandoning

	OutboundInvoiceCompleted
	OutboundInvoiceFailed

	// OutboundInvoiceTimedOut payments failed after being abandoned on
	// invoice expiry.
	OutboundInvoiceTimedOut
)

var outboundInvoiceNames = statusNames[OutboundInvoiceStatus]{
	"pending", "abandoning", "completed", "failed", "timed_out",
}

func (s OutboundInvoiceStatus) String() string {
	if s == OutboundInvoiceTimedOut {
		return "invoice expired"
	}

	return outboundInvoiceNames.name(s)
}

func (s OutboundInvoiceStatus) general() Status {
	switch s {
	case OutboundInvoiceCompleted:
		return StatusCompleted
	case OutboundInvoiceFailed, OutboundInvoiceTimedOut:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (s OutboundInvoiceStatus) MarshalJSON() ([]byte, error) {
	return outboundInvoiceNames.marshal(s)
}

func (s *OutboundInvoiceStatus) UnmarshalJSON(data []byte) error {
	return outboundInvoiceNames.unmarshal(data, s)
}

// OutboundSpontaneousStatus is the state of an OutboundSpontaneous payment.
type OutboundSpontaneousStatus uint8

const (
	OutboundSpontaneousPending OutboundSpontaneousStatus = iota
	OutboundSpontaneousCompleted
	OutboundSpontaneousFailed
)

var outboundSpontaneousNames = statusNames[OutboundSpontaneousStatus]{
	"pending", "completed", "failed",
}

func (s OutboundSpontaneousStatus) String() string {
	return outboundSpontaneousNames.name(s)
}

func (s OutboundSpontaneousStatus) general() Status {
	switch s {
	case OutboundSpontaneousCompleted:
		return StatusCompleted
	case OutboundSpontaneousFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (s OutboundSpontaneousStatus) MarshalJSON() ([]byte, error) {
	return outboundSpontaneousNames.marshal(s)
}

func (s *OutboundSpontaneousStatus) UnmarshalJSON(data []byte) error {
	return outboundSpontaneousNames.unmarshal(data, s)
}

// OnchainReceiveStatus is the state of an OnchainDeposit.
type OnchainReceiveStatus uint8

const (
	// ReceiveZeroconf deposits have no confirmations yet.
	ReceiveZeroconf OnchainReceiveStatus = iota

	// ReceivePartiallyConfirmed deposits have fewer confirmations than
	// ConfirmationThreshold.
	ReceivePartiallyConfirmed

	// ReceiveFullyConfirmed deposits reached ConfirmationThreshold.
	ReceiveFullyConfirmed

	// ReceiveReplaced deposits had an input spent by another transaction.
	ReceiveReplaced

	// ReceiveDropped deposits vanished from the mempool.
	ReceiveDropped
)

var onchainReceiveNames = statusNames[OnchainReceiveStatus]{
	"zeroconf", "partially_confirmed", "fully_confirmed", "replaced",
	"dropped",
}

func (s OnchainReceiveStatus) String() string {
	switch s {
	case ReceivePartiallyConfirmed:
		return "partially confirmed"
	case ReceiveFullyConfirmed:
		return "fully confirmed"
	}

	return onchainReceiveNames.name(s)
}

func (s OnchainReceiveStatus) general() Status {
	switch s {
	case ReceiveFullyConfirmed:
		return StatusCompleted
	case ReceiveReplaced, ReceiveDropped:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (s OnchainReceiveStatus) MarshalJSON() ([]byte, error) {
	return onchainReceiveNames.marshal(s)
}

func (s *OnchainReceiveStatus) UnmarshalJSON(data []byte) error {
	return onchainReceiveNames.unmarshal(data, s)
}

// OnchainSendStatus is the state of an OnchainWithdrawal.
type OnchainSendStatus uint8

const (
	// SendCreated withdrawals are signed but not broadcast.
	SendCreated OnchainSendStatus = iota

	// SendBroadcasted withdrawals await their first confirmation.
	SendBroadcasted

	SendPartiallyConfirmed
	SendFullyConfirmed
	SendReplaced
	SendDropped
)

var onchainSendNames = statusNames[OnchainSendStatus]{
	"created", "broadcasted", "partially_confirmed", "fully_confirmed",
	"replaced", "dropped",
}

func (s OnchainSendStatus) String() string {
	switch s {
	case SendPartiallyConfirmed:
		return "partially confirmed"
	case SendFullyConfirmed:
		return "fully confirmed"
	}

	return onchainSendNames.name(s)
}

func (s OnchainSendStatus) general() Status {
	switch s {
	case SendFullyConfirmed:
		return StatusCompleted
	case SendReplaced, SendDropped:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (s OnchainSendStatus) MarshalJSON() ([]byte, error) {
	return onchainSendNames.marshal(s)
}

func (s *OnchainSendStatus) UnmarshalJSON(data []byte) error {
	return onchainSendNames.unmarshal(data, s)
}
