package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/nodecore/lnnode/testevent"
)

var (
	// ErrInvoiceExpired is returned when paying an expired invoice.
	ErrInvoiceExpired = errors.New("invoice expired")

	// ErrMissingAmount is returned when paying an amountless invoice
	// without an amount.
	ErrMissingAmount = errors.New("amount required for amountless invoice")
)

// OnSendPendingInvoice records an outbound payment to invoice. amount is only
// used for amountless invoices.
func (m *Manager) OnSendPendingInvoice(ctx context.Context, invoice string,
	amount fn.Option[lnwire.MilliSatoshi]) (ID, error) {

	inv, expiresAt, err := m.decodeInvoice(invoice)
	if err != nil {
		return ID{}, err
	}

	now := m.now()
	if !now.Before(expiresAt) {
		return ID{}, fmt.Errorf("%w at %v", ErrInvoiceExpired,
			expiresAt)
	}

	var amt lnwire.MilliSatoshi
	switch {
	case inv.MilliSat != nil:
		amt = *inv.MilliSat

	case amount.IsSome():
		amt = amount.UnwrapOr(0)

	default:
		return ID{}, ErrMissingAmount
	}

	p := &OutboundInvoice{
		Common:    Common{Created: now},
		Invoice:   invoice,
		Hash:      lntypes.Hash(*inv.PaymentHash),
		Amt:       amt,
		ExpiresAt: expiresAt,
		State:     OutboundInvoicePending,
	}
	if err := m.insert(ctx, p); err != nil {
		return ID{}, err
	}

	log.Infof("Sending %v to invoice payment %v", amt, p.ID())

	return p.ID(), nil
}

// OnSendPendingSpontaneous records an outbound keysend payment.
func (m *Manager) OnSendPendingSpontaneous(ctx context.Context,
	hash lntypes.Hash, amount lnwire.MilliSatoshi) (ID, error) {

	p := &OutboundSpontaneous{
		Common: Common{Created: m.now()},
		Hash:   hash,
		Amt:    amount,
		State:  OutboundSpontaneousPending,
	}
	if err := m.insert(ctx, p); err != nil {
		return ID{}, err
	}

	log.Infof("Sending %v spontaneous payment %v", amount, p.ID())

	return p.ID(), nil
}

// updateOutbound applies f to a pending outbound payment. f returns nil to
// leave the payment unchanged. Finalized payments are passed to onFinal.
func (m *Manager) updateOutbound(ctx context.Context, hash lntypes.Hash,
	onFinal func(Status) error, f func(Payment) (Payment, error)) error {

	id := LightningID(hash)

	m.mu.Lock()
	defer m.mu.Unlock()

	if status, ok := m.finalized[id]; ok {
		return onFinal(status)
	}

	existing, ok := m.pending[id]
	if !ok {
		return ErrUnknownPayment
	}
	if existing.Direction() != Outbound || existing.Kind() ==
		KindOnchainWithdrawal {

		return fmt.Errorf("%w: %v is not an outbound lightning "+
			"payment", ErrInvalidTransition, id)
	}

	updated, err := f(existing)
	if err != nil || updated == nil {
		return err
	}

	return m.persistAndCommitLocked(ctx, updated)
}

// OnSendCompleted completes an outbound payment with its preimage and the
// routing fees paid.
func (m *Manager) OnSendCompleted(ctx context.Context, hash lntypes.Hash,
	preimage lntypes.Preimage, fees lnwire.MilliSatoshi) error {

	if !preimage.Matches(hash) {
		return fmt.Errorf("%w: preimage does not match %v",
			ErrInvalidTransition, hash)
	}

	onFinal := func(status Status) error {
		if status == StatusCompleted {
			log.Debugf("Ignoring redelivered sent event for %v",
				hash)
			return nil
		}

		return fmt.Errorf("%w: failed payment %v succeeded",
			ErrAlreadyFinalized, hash)
	}

	now := m.now()
	err := m.updateOutbound(ctx, hash, onFinal, func(p Payment) (Payment,
		error) {

		switch p := p.clone().(type) {
		case *OutboundInvoice:
			p.Preimage = &preimage
			p.FeesMsat = fees
			p.State = OutboundInvoiceCompleted
			p.finalize(now)

			return p, nil

		case *OutboundSpontaneous:
			p.Preimage = &preimage
			p.FeesMsat = fees
			p.State = OutboundSpontaneousCompleted
			p.finalize(now)

			return p, nil
		}

		return nil, ErrInvalidTransition
	})
	if err != nil {
		return fmt.Errorf("unable to complete payment %v: %w", hash,
			err)
	}

	log.Infof("Outbound payment %v completed, fees=%v", hash, fees)
	m.cfg.TestEvents.Send(testevent.PaymentSent)

	return nil
}

// OnSendFailed fails an outbound payment. An abandoned invoice payment
// failing is recorded as timed out.
func (m *Manager) OnSendFailed(ctx context.Context, hash lntypes.Hash,
	reason string) error {

	onFinal := func(status Status) error {
		if status == StatusFailed {
			log.Debugf("Ignoring redelivered failure for %v", hash)
			return nil
		}

		return fmt.Errorf("%w: completed payment %v failed",
			ErrAlreadyFinalized, hash)
	}

	now := m.now()
	err := m.updateOutbound(ctx, hash, onFinal, func(p Payment) (Payment,
		error) {

		switch p := p.clone().(type) {
		case *OutboundInvoice:
			p.FailureReason = reason
			if p.State == OutboundInvoiceAbandoning {
				p.State = OutboundInvoiceTimedOut
			} else {
				p.State = OutboundInvoiceFailed
			}
			p.finalize(now)

			return p, nil

		case *OutboundSpontaneous:
			p.FailureReason = reason
			p.State = OutboundSpontaneousFailed
			p.finalize(now)

			return p, nil
		}

		return nil, ErrInvalidTransition
	})
	if err != nil {
		return fmt.Errorf("unable to fail payment %v: %w", hash, err)
	}

	log.Infof("Outbound payment %v failed: %v", hash, reason)
	m.cfg.TestEvents.Send(testevent.PaymentFailed)

	return nil
}

// AbandonOutbound stops retrying an outbound invoice payment. The payment
// stays pending until the engine reports whether it failed or succeeded.
func (m *Manager) AbandonOutbound(ctx context.Context,
	hash lntypes.Hash) error {

	onFinal := func(Status) error {
		return ErrAlreadyFinalized
	}

	err := m.updateOutbound(ctx, hash, onFinal, func(p Payment) (Payment,
		error) {

		inv, ok := p.(*OutboundInvoice)
		if !ok {
			return nil, fmt.Errorf("%w: only invoice payments "+
				"can be abandoned", ErrInvalidTransition)
		}
		if inv.State == OutboundInvoiceAbandoning {
			return nil, nil
		}

		c := inv.clone().(*OutboundInvoice)
		c.State = OutboundInvoiceAbandoning

		return c, nil
	})
	if err != nil {
		return fmt.Errorf("unable to abandon payment %v: %w", hash,
			err)
	}

	m.cfg.ChannelManager.AbandonPayment(hash)

	return nil
}
