package payments

import "errors"

var (
	// ErrPaymentExists is returned when creating a payment whose id is
	// already in the ledger.
	ErrPaymentExists = errors.New("payment already exists")

	// ErrUnknownPayment is returned when an event refers to a payment
	// that is not in the ledger.
	ErrUnknownPayment = errors.New("unknown payment")

	// ErrAlreadyFinalized is returned when an event would transition a
	// finalized payment.
	ErrAlreadyFinalized = errors.New("payment already finalized")

	// ErrInvalidTransition is returned when an event does not apply to
	// the payment's current state or kind.
	ErrInvalidTransition = errors.New("invalid payment state transition")

	// ErrPaymentNotFound is returned by a Store for missing payments.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrNoPaymentsCreated is returned when the payments buckets have not
	// been created yet.
	ErrNoPaymentsCreated = errors.New("there are no existing payments")
)
