package payments

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func receiveStatusFor(confs uint32) OnchainReceiveStatus {
	switch {
	case confs >= ConfirmationThreshold:
		return ReceiveFullyConfirmed
	case confs > 0:
		return ReceivePartiallyConfirmed
	default:
		return ReceiveZeroconf
	}
}

func sendStatusFor(confs uint32) OnchainSendStatus {
	switch {
	case confs >= ConfirmationThreshold:
		return SendFullyConfirmed
	case confs > 0:
		return SendPartiallyConfirmed
	default:
		return SendBroadcasted
	}
}

// OnOnchainDeposit records or updates a transaction paying our wallet.
func (m *Manager) OnOnchainDeposit(ctx context.Context, txid chainhash.Hash,
	amount btcutil.Amount, confs uint32) error {

	id := OnchainID(txid)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.finalized[id]; ok {
		return nil
	}

	existing, ok := m.pending[id]
	if !ok {
		p := &OnchainDeposit{
			Common:        Common{Created: m.now()},
			Txid:          txid,
			AmountSat:     amount,
			Confirmations: confs,
			State:         receiveStatusFor(confs),
		}
		if p.Status().IsFinal() {
			p.finalize(p.Created)
		}

		log.Infof("New onchain deposit %v of %v with %d confs", txid,
			amount, confs)

		return m.persistAndCommitLocked(ctx, p)
	}

	deposit, ok := existing.(*OnchainDeposit)
	if !ok {
		return fmt.Errorf("%w: %v is a %v", ErrInvalidTransition, id,
			existing.Kind())
	}

	return m.updateDepositLocked(ctx, deposit, confs)
}

func (m *Manager) updateDepositLocked(ctx context.Context, p *OnchainDeposit,
	confs uint32) error {

	status := receiveStatusFor(confs)
	if p.Confirmations == confs && p.State == status {
		return nil
	}

	c := p.clone().(*OnchainDeposit)
	c.Confirmations = confs
	c.State = status
	if c.Status().IsFinal() {
		c.finalize(m.now())
	}

	return m.persistAndCommitLocked(ctx, c)
}

// OnWithdrawalCreated records a signed withdrawal that is about to be
// broadcast.
func (m *Manager) OnWithdrawalCreated(ctx context.Context, tx *wire.MsgTx,
	amount, fees btcutil.Amount) (ID, error) {

	p := &OnchainWithdrawal{
		Common:    Common{Created: m.now()},
		Txid:      tx.TxHash(),
		AmountSat: amount,
		FeesSat:   fees,
		State:     SendCreated,
	}
	if err := m.insert(ctx, p); err != nil {
		return ID{}, err
	}

	return p.ID(), nil
}

// updateOnchain applies f to a pending onchain payment. Finalized
// payments are left untouched.
func (m *Manager) updateOnchain(ctx context.Context, txid chainhash.Hash,
	f func(Payment) (Payment, error)) error {

	id := OnchainID(txid)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.finalized[id]; ok {
		log.Debugf("Ignoring update of finalized payment %v", id)
		return nil
	}

	existing, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPayment, id)
	}

	updated, err := f(existing)
	if err != nil || updated == nil {
		return err
	}

	return m.persistAndCommitLocked(ctx, updated)
}

// OnWithdrawalBroadcasted marks a withdrawal as broadcast.
func (m *Manager) OnWithdrawalBroadcasted(ctx context.Context,
	txid chainhash.Hash) error {

	return m.updateOnchain(ctx, txid, func(p Payment) (Payment, error) {
		w, ok := p.(*OnchainWithdrawal)
		if !ok {
			return nil, ErrInvalidTransition
		}
		if w.State != SendCreated {
			return nil, nil
		}

		c := w.clone().(*OnchainWithdrawal)
		c.State = SendBroadcasted

		return c, nil
	})
}

// OnOnchainConfirmations updates the confirmation count of an onchain
// payment. Reaching ConfirmationThreshold finalizes it.
func (m *Manager) OnOnchainConfirmations(ctx context.Context,
	txid chainhash.Hash, confs uint32) error {

	return m.updateOnchain(ctx, txid, func(p Payment) (Payment, error) {
		switch p := p.(type) {
		case *OnchainWithdrawal:
			status := sendStatusFor(confs)

			// An unbroadcast withdrawal stays created until seen.
			if p.State == SendCreated && confs == 0 {
				return nil, nil
			}
			if p.Confirmations == confs && p.State == status {
				return nil, nil
			}

			c := p.clone().(*OnchainWithdrawal)
			c.Confirmations = confs
			c.State = status
			if c.Status().IsFinal() {
				c.finalize(m.now())
			}

			return c, nil

		case *OnchainDeposit:
			status := receiveStatusFor(confs)
			if p.Confirmations == confs && p.State == status {
				return nil, nil
			}

			c := p.clone().(*OnchainDeposit)
			c.Confirmations = confs
			c.State = status
			if c.Status().IsFinal() {
				c.finalize(m.now())
			}

			return c, nil
		}

		return nil, ErrInvalidTransition
	})
}

// OnOnchainReplaced fails an onchain payment whose inputs were spent by
// another transaction.
func (m *Manager) OnOnchainReplaced(ctx context.Context,
	txid chainhash.Hash) error {

	return m.failOnchain(ctx, txid, SendReplaced, ReceiveReplaced)
}

// OnOnchainDropped fails an onchain payment that left the mempool without
// confirming.
func (m *Manager) OnOnchainDropped(ctx context.Context,
	txid chainhash.Hash) error {

	return m.failOnchain(ctx, txid, SendDropped, ReceiveDropped)
}

func (m *Manager) failOnchain(ctx context.Context, txid chainhash.Hash,
	send OnchainSendStatus, recv OnchainReceiveStatus) error {

	now := m.now()

	return m.updateOnchain(ctx, txid, func(p Payment) (Payment, error) {
		switch p := p.clone().(type) {
		case *OnchainWithdrawal:
			p.State = send
			p.finalize(now)

			return p, nil

		case *OnchainDeposit:
			p.State = recv
			p.finalize(now)

			return p, nil
		}

		return nil, ErrInvalidTransition
	})
}

// PendingOnchainTxids returns the txids of broadcast withdrawals that are not
// finalized yet, in creation order.
func (m *Manager) PendingOnchainTxids() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txids []chainhash.Hash
	for _, p := range m.sortedPendingLocked() {
		w, ok := p.(*OnchainWithdrawal)
		if !ok || w.State == SendCreated {
			continue
		}
		txids = append(txids, w.Txid)
	}

	return txids
}
