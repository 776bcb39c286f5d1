package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/nodecore/lnnode/testevent"
)

// ChannelManager is the part of the protocol engine the ledger drives.
type ChannelManager interface {
	// ClaimFunds claims a claimable inbound payment.
	ClaimFunds(preimage lntypes.Preimage)

	// FailHTLCBackwards rejects a claimable inbound payment.
	FailHTLCBackwards(hash lntypes.Hash)

	// AbandonPayment stops retrying an outbound payment. It does not
	// prevent a payment already in flight from succeeding.
	AbandonPayment(hash lntypes.Hash)
}

// Purpose describes what a claimable or claimed inbound payment pays for.
type Purpose interface {
	isPurpose()
}

// InvoicePurpose is a payment to one of our invoices.
type InvoicePurpose struct {
	// Preimage is the preimage known to the engine, if any.
	Preimage fn.Option[lntypes.Preimage]

	Secret [32]byte
}

// SpontaneousPurpose is a keysend payment.
type SpontaneousPurpose struct {
	Preimage lntypes.Preimage
}

func (InvoicePurpose) isPurpose()     {}
func (SpontaneousPurpose) isPurpose() {}

// ManagerConfig houses the collaborators of a Manager.
type ManagerConfig struct {
	Store Store

	ChannelManager ChannelManager

	// Net is used to decode invoices.
	Net *chaincfg.Params

	Clock clock.Clock

	TestEvents *testevent.Sender

	// OnCommit, if set, is called with every committed payment. It must
	// not call back into the Manager.
	OnCommit func(p Payment)
}

// Manager owns the payment ledger. Every mutation is checked, persisted and
// only then committed to memory, all under one lock, so the in-memory ledger
// never runs ahead of the store.
type Manager struct {
	cfg *ManagerConfig

	mu sync.Mutex

	// pending holds every unfinalized payment.
	pending map[ID]Payment

	// finalized holds the final status of every finalized payment.
	finalized map[ID]Status
}

// NewManager loads the ledger from the store.
func NewManager(ctx context.Context, cfg *ManagerConfig) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	pending, err := cfg.Store.FetchPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load pending payments: %w",
			err)
	}

	finalized, err := cfg.Store.FetchFinalized(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load finalized payments: %w",
			err)
	}

	m := &Manager{
		cfg:       cfg,
		pending:   make(map[ID]Payment, len(pending)),
		finalized: finalized,
	}

	for _, p := range pending {
		if err := AssertInvariants(p); err != nil {
			log.Errorf("Loaded inconsistent payment: %v", err)
		}
		m.pending[p.ID()] = p
	}

	log.Infof("Loaded %d pending and %d finalized payments", len(pending),
		len(finalized))

	return m, nil
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock.Now()
}

// enforceInvariants runs after every transition. A violation is a programmer
// error: development builds panic, production builds log it and repair the
// finalization time so the record is never persisted inconsistent.
func (m *Manager) enforceInvariants(p Payment) {
	err := AssertInvariants(p)
	if err == nil {
		return
	}

	if build.IsDevBuild() {
		panic(err)
	}

	log.Errorf("Repairing payment after bug: %v", err)
	repairFinalization(p, m.now())
}

// persistAndCommitLocked writes a checked payment to the store and then to
// memory. The caller must hold m.mu.
func (m *Manager) persistAndCommitLocked(ctx context.Context,
	p Payment) error {

	m.enforceInvariants(p)

	if err := m.cfg.Store.PutPayment(ctx, p); err != nil {
		return fmt.Errorf("unable to persist payment %v: %w", p.ID(),
			err)
	}

	id := p.ID()
	if p.Status().IsFinal() {
		delete(m.pending, id)
		m.finalized[id] = p.Status()
	} else {
		m.pending[id] = p
	}

	if m.cfg.OnCommit != nil {
		m.cfg.OnCommit(p.clone())
	}

	return nil
}

// checkNewLocked ensures that id is not in the ledger yet.
func (m *Manager) checkNewLocked(id ID) error {
	if _, ok := m.pending[id]; ok {
		return fmt.Errorf("%w: %v is pending", ErrPaymentExists, id)
	}
	if _, ok := m.finalized[id]; ok {
		return fmt.Errorf("%w: %v is finalized", ErrPaymentExists, id)
	}

	return nil
}

// insert checks, persists and commits a new payment.
func (m *Manager) insert(ctx context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNewLocked(p.ID()); err != nil {
		return err
	}

	return m.persistAndCommitLocked(ctx, p)
}

// decodeInvoice decodes a BOLT 11 invoice and returns its expiry time.
func (m *Manager) decodeInvoice(invoice string) (*zpay32.Invoice, time.Time,
	error) {

	inv, err := zpay32.Decode(invoice, m.cfg.Net)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid invoice: %w", err)
	}
	if inv.PaymentHash == nil {
		return nil, time.Time{}, errors.New("invoice has no payment " +
			"hash")
	}

	return inv, inv.Timestamp.Add(inv.Expiry()), nil
}

// RecordInboundInvoiceGenerated adds a payment for an invoice we generated.
// If amount is unset the invoice amount is used, if any.
func (m *Manager) RecordInboundInvoiceGenerated(ctx context.Context,
	invoice string, hash lntypes.Hash, secret [32]byte,
	preimage lntypes.Preimage,
	amount fn.Option[lnwire.MilliSatoshi]) (ID, error) {

	inv, expiresAt, err := m.decodeInvoice(invoice)
	if err != nil {
		return ID{}, err
	}
	if *inv.PaymentHash != hash {
		return ID{}, fmt.Errorf("invoice hash %x does not match %v",
			inv.PaymentHash[:], hash)
	}
	if !preimage.Matches(hash) {
		return ID{}, fmt.Errorf("preimage does not match %v", hash)
	}

	p := &InboundInvoice{
		Common:    Common{Created: m.now()},
		Invoice:   invoice,
		Hash:      hash,
		Secret:    secret,
		Preimage:  preimage,
		ExpiresAt: expiresAt,
		State:     InvoiceGenerated,
	}
	amount.WhenSome(func(amt lnwire.MilliSatoshi) {
		p.InvoiceAmount = &amt
	})
	if p.InvoiceAmount == nil && inv.MilliSat != nil {
		amt := *inv.MilliSat
		p.InvoiceAmount = &amt
	}

	if err := m.insert(ctx, p); err != nil {
		return ID{}, err
	}

	log.Infof("Generated invoice payment %v expiring at %v", p.ID(),
		expiresAt)

	return p.ID(), nil
}

// claimOutcome is what OnClaimable does with the engine after checking.
type claimOutcome uint8

const (
	claimNone claimOutcome = iota
	claimFunds
	claimReject
)

// OnClaimable handles a claimable inbound payment. The payment is claimed
// from the engine once the transition is persisted, and failed back if it is
// rejected. Redelivery while claiming claims again without a state change.
// Redelivery after completion is ignored.
func (m *Manager) OnClaimable(ctx context.Context, hash lntypes.Hash,
	amount lnwire.MilliSatoshi, purpose Purpose) error {

	log.Infof("Handling claimable payment hash=%v amount=%v", hash, amount)

	m.mu.Lock()
	outcome, preimage, err := m.claimableLocked(ctx, hash, amount, purpose)
	m.mu.Unlock()

	switch outcome {
	case claimFunds:
		m.cfg.ChannelManager.ClaimFunds(preimage)

	case claimReject:
		m.cfg.ChannelManager.FailHTLCBackwards(hash)
	}

	if err != nil {
		return fmt.Errorf("unable to handle claimable payment %v: %w",
			hash, err)
	}

	m.cfg.TestEvents.Send(testevent.PaymentClaimable)

	return nil
}

func (m *Manager) claimableLocked(ctx context.Context, hash lntypes.Hash,
	amount lnwire.MilliSatoshi, purpose Purpose) (claimOutcome,
	lntypes.Preimage, error) {

	id := LightningID(hash)

	if status, ok := m.finalized[id]; ok {
		if status == StatusCompleted {
			log.Debugf("Ignoring claimable for completed payment "+
				"%v", id)
			return claimNone, lntypes.Preimage{}, nil
		}

		return claimReject, lntypes.Preimage{}, ErrAlreadyFinalized
	}

	existing, ok := m.pending[id]
	if !ok {
		sp, isSpontaneous := purpose.(SpontaneousPurpose)
		if !isSpontaneous {
			return claimReject, lntypes.Preimage{}, fmt.Errorf(
				"%w: no invoice payment for %v",
				ErrUnknownPayment, id)
		}
		if !sp.Preimage.Matches(hash) {
			return claimReject, lntypes.Preimage{}, fmt.Errorf(
				"%w: preimage does not match",
				ErrInvalidTransition)
		}

		p := &InboundSpontaneous{
			Common:   Common{Created: m.now()},
			Hash:     hash,
			Preimage: sp.Preimage,
			Amt:      amount,
			State:    InboundSpontaneousClaiming,
		}
		if err := m.persistAndCommitLocked(ctx, p); err != nil {
			return claimReject, lntypes.Preimage{}, err
		}

		return claimFunds, sp.Preimage, nil
	}

	updated, preimage, err := checkClaimable(existing, amount, purpose)
	if err != nil {
		return claimReject, lntypes.Preimage{}, err
	}

	// A nil update means a redelivery while claiming.
	if updated == nil {
		log.Warnf("Re-claiming payment %v", id)
		return claimFunds, preimage, nil
	}

	if err := m.persistAndCommitLocked(ctx, updated); err != nil {
		return claimReject, lntypes.Preimage{}, err
	}

	return claimFunds, preimage, nil
}

// checkClaimable validates a claimable notification for a pending payment and
// returns the updated copy, or nil if nothing changes.
func checkClaimable(existing Payment, amount lnwire.MilliSatoshi,
	purpose Purpose) (Payment, lntypes.Preimage, error) {

	switch p := existing.(type) {
	case *InboundInvoice:
		ip, ok := purpose.(InvoicePurpose)
		if !ok {
			return nil, lntypes.Preimage{}, fmt.Errorf("%w: "+
				"spontaneous purpose for invoice payment",
				ErrInvalidTransition)
		}
		if ip.Secret != p.Secret {
			return nil, lntypes.Preimage{}, fmt.Errorf("%w: "+
				"payment secret mismatch", ErrInvalidTransition)
		}
		mismatch := fn.MapOptionZ(ip.Preimage,
			func(pre lntypes.Preimage) bool {
				return pre != p.Preimage
			},
		)
		if mismatch {
			return nil, lntypes.Preimage{}, fmt.Errorf("%w: "+
				"preimage mismatch", ErrInvalidTransition)
		}

		if p.InvoiceAmount != nil && amount < *p.InvoiceAmount {
			log.Warnf("Payment %v requested %v but claiming %v",
				p.ID(), *p.InvoiceAmount, amount)
		}

		switch p.State {
		case InboundInvoiceClaiming:
			return nil, p.Preimage, nil

		case InvoiceGenerated:
			c := p.clone().(*InboundInvoice)
			c.RecvdAmount = &amount
			c.State = InboundInvoiceClaiming

			return c, p.Preimage, nil
		}

	case *InboundSpontaneous:
		sp, ok := purpose.(SpontaneousPurpose)
		if !ok || sp.Preimage != p.Preimage || amount != p.Amt {
			return nil, lntypes.Preimage{}, fmt.Errorf("%w: "+
				"redelivered spontaneous payment differs",
				ErrInvalidTransition)
		}

		if p.State == InboundSpontaneousClaiming {
			return nil, p.Preimage, nil
		}
	}

	return nil, lntypes.Preimage{}, fmt.Errorf("%w: claimable %v in "+
		"state %q", ErrInvalidTransition, existing.Kind(),
		existing.StatusStr())
}

// OnClaimed handles a claimed inbound payment, completing it. A claimed
// notification for an unknown payment is returned as ErrUnknownPayment and
// should be logged loudly by the caller. A redelivery after completion is a
// no-op.
func (m *Manager) OnClaimed(ctx context.Context, hash lntypes.Hash,
	amount lnwire.MilliSatoshi, purpose Purpose) error {

	log.Infof("Handling claimed payment hash=%v amount=%v", hash, amount)

	m.mu.Lock()
	err := m.claimedLocked(ctx, hash, amount, purpose)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unable to handle claimed payment %v: %w",
			hash, err)
	}

	m.cfg.TestEvents.Send(testevent.PaymentClaimed)

	return nil
}

func (m *Manager) claimedLocked(ctx context.Context, hash lntypes.Hash,
	amount lnwire.MilliSatoshi, purpose Purpose) error {

	id := LightningID(hash)

	if status, ok := m.finalized[id]; ok {
		if status == StatusCompleted {
			log.Debugf("Ignoring redelivered claimed event for %v",
				id)
			return nil
		}

		return ErrAlreadyFinalized
	}

	existing, ok := m.pending[id]
	if !ok {
		return ErrUnknownPayment
	}

	now := m.now()

	switch p := existing.(type) {
	case *InboundInvoice:
		if _, ok := purpose.(InvoicePurpose); !ok {
			return fmt.Errorf("%w: spontaneous purpose for "+
				"invoice payment", ErrInvalidTransition)
		}

		c := p.clone().(*InboundInvoice)
		if p.State == InvoiceGenerated {
			log.Warnf("Payment %v claimed without being claimable",
				id)
		}
		if c.RecvdAmount == nil || *c.RecvdAmount != amount {
			c.RecvdAmount = &amount
		}
		c.State = InboundInvoiceCompleted
		c.finalize(now)

		return m.persistAndCommitLocked(ctx, c)

	case *InboundSpontaneous:
		c := p.clone().(*InboundSpontaneous)
		c.Amt = amount
		c.State = InboundSpontaneousCompleted
		c.finalize(now)

		return m.persistAndCommitLocked(ctx, c)
	}

	return fmt.Errorf("%w: claimed %v in state %q", ErrInvalidTransition,
		existing.Kind(), existing.StatusStr())
}

// TimeoutExpiredInvoices times out unpaid invoices past their expiry and
// abandons outbound invoice payments past theirs. It returns the number of
// payments updated.
func (m *Manager) TimeoutExpiredInvoices(ctx context.Context,
	now time.Time) (int, error) {

	var (
		updated int
		abandon []lntypes.Hash
		err     error
	)

	m.mu.Lock()
sweep:
	for _, p := range m.sortedPendingLocked() {
		switch p := p.(type) {
		case *InboundInvoice:
			if p.State != InvoiceGenerated ||
				now.Before(p.ExpiresAt) {

				continue
			}

			c := p.clone().(*InboundInvoice)
			c.State = InboundInvoiceTimedOut
			c.finalize(now)

			err = m.persistAndCommitLocked(ctx, c)
			if err != nil {
				break sweep
			}
			updated++

			log.Infof("Inbound invoice payment %v timed out", c.ID())

		case *OutboundInvoice:
			if p.State != OutboundInvoicePending ||
				now.Before(p.ExpiresAt) {

				continue
			}

			c := p.clone().(*OutboundInvoice)
			c.State = OutboundInvoiceAbandoning

			err = m.persistAndCommitLocked(ctx, c)
			if err != nil {
				break sweep
			}
			updated++
			abandon = append(abandon, c.Hash)

			log.Infof("Abandoning expired outbound payment %v",
				c.ID())
		}
	}
	m.mu.Unlock()

	// Payments already persisted as abandoning are abandoned even if a
	// later write failed.
	for _, hash := range abandon {
		m.cfg.ChannelManager.AbandonPayment(hash)
	}

	return updated, err
}

// sortedPendingLocked returns the pending payments oldest first.
func (m *Manager) sortedPendingLocked() []Payment {
	pending := make([]Payment, 0, len(m.pending))
	for _, p := range m.pending {
		pending = append(pending, p)
	}

	sort.Slice(pending, func(i, j int) bool {
		ci, cj := pending[i].CreatedAt(), pending[j].CreatedAt()
		if ci.Equal(cj) {
			return pending[i].ID().String() <
				pending[j].ID().String()
		}

		return ci.Before(cj)
	})

	return pending
}
