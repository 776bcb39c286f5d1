package payments

import (
	"context"
	"fmt"
)

// GetPayment returns a copy of a single payment.
func (m *Manager) GetPayment(ctx context.Context, id ID) (Payment, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		p = p.clone()
	}
	m.mu.Unlock()

	if ok {
		return p, nil
	}

	return m.cfg.Store.FetchPayment(ctx, id)
}

// ListPayments returns a page of the ledger in creation order.
func (m *Manager) ListPayments(ctx context.Context, q Query) (Response,
	error) {

	return m.cfg.Store.QueryPayments(ctx, q)
}

// ListPending returns copies of every pending payment, oldest first.
func (m *Manager) ListPending() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.sortedPendingLocked()
	for i, p := range pending {
		pending[i] = p.clone()
	}

	return pending
}

// UpdateNote sets the user note of a payment, finalized or not.
func (m *Manager) UpdateNote(ctx context.Context, id ID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var p Payment
	switch existing, ok := m.pending[id]; {
	case ok:
		p = existing.clone()

	default:
		if _, ok := m.finalized[id]; !ok {
			return fmt.Errorf("%w: %v", ErrUnknownPayment, id)
		}

		stored, err := m.cfg.Store.FetchPayment(ctx, id)
		if err != nil {
			return err
		}
		p = stored
	}

	p.setNote(note)

	return m.persistAndCommitLocked(ctx, p)
}
