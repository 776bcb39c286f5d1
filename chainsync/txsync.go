package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nodecore/lnnode/esplora"
	"github.com/nodecore/lnnode/writeback"
)

// ConfirmedTx is a transaction found in the chain.
type ConfirmedTx struct {
	Txid      chainhash.Hash
	Height    int64
	BlockHash chainhash.Hash
}

// Confirmable is the protocol engine's view of the transactions it needs
// confirmation updates for.
type Confirmable interface {
	// RelevantTxids returns the transactions to watch.
	RelevantTxids() []chainhash.Hash

	// TransactionsConfirmed is called with newly confirmed transactions,
	// ordered by height.
	TransactionsConfirmed(txs []ConfirmedTx)

	// TransactionUnconfirmed is called when a previously confirmed
	// transaction left the chain.
	TransactionUnconfirmed(txid chainhash.Hash)

	// BestBlockUpdated is called with the new tip once per pass.
	BestBlockUpdated(hash chainhash.Hash, height int64)
}

// TxSource is the subset of the chain client used for confirmation syncing.
type TxSource interface {
	GetTipHeight(ctx context.Context) (int64, error)
	GetTipHash(ctx context.Context) (*chainhash.Hash, error)
	GetTxStatus(ctx context.Context,
		txid chainhash.Hash) (*esplora.TxStatus, error)
}

// WithdrawalTracker follows the confirmations of our own broadcast
// transactions.
type WithdrawalTracker interface {
	// PendingOnchainTxids returns unfinalized withdrawals.
	PendingOnchainTxids() []chainhash.Hash

	// OnOnchainConfirmations updates a withdrawal's confirmation count.
	OnOnchainConfirmations(ctx context.Context, txid chainhash.Hash,
		confs uint32) error
}

// StateStore receives node state patches.
type StateStore interface {
	Update(patch *writeback.NodeState) error
}

// TxSyncerConfig houses the collaborators of a TxSyncer.
type TxSyncerConfig struct {
	Chain TxSource

	Confirmables []Confirmable

	// Withdrawals is optional.
	Withdrawals WithdrawalTracker

	// State is optional.
	State StateStore

	Clock clock.Clock
}

// TxSyncer syncs the engine's confirmation state against the chain.
type TxSyncer struct {
	cfg *TxSyncerConfig

	mu sync.Mutex

	// confirmed holds the txids reported as confirmed and their block.
	confirmed map[chainhash.Hash]chainhash.Hash
}

// NewTxSyncer creates a TxSyncer.
func NewTxSyncer(cfg *TxSyncerConfig) *TxSyncer {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &TxSyncer{
		cfg:       cfg,
		confirmed: make(map[chainhash.Hash]chainhash.Hash),
	}
}

// Sync runs one confirmation pass. It is used as a Task's sync function.
func (s *TxSyncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, err := s.cfg.Chain.GetTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch tip height: %w", err)
	}
	tipHash, err := s.cfg.Chain.GetTipHash(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch tip hash: %w", err)
	}

	for _, c := range s.cfg.Confirmables {
		if err := s.syncConfirmable(ctx, c); err != nil {
			return err
		}
		c.BestBlockUpdated(*tipHash, height)
	}

	if s.cfg.Withdrawals != nil {
		err := s.syncWithdrawals(ctx, height)
		if err != nil {
			return err
		}
	}

	log.Debugf("Chain synced to height=%v hash=%v", height, tipHash)

	if s.cfg.State == nil {
		return nil
	}

	now := s.cfg.Clock.Now()
	patch := writeback.NewNodeStatePatch()
	patch.ChainTip = &writeback.ChainTip{
		Height: height,
		Hash:   tipHash.String(),
	}
	patch.LastChainSync = &now

	return s.cfg.State.Update(patch)
}

// syncConfirmable looks up every relevant txid of c and reports the changes
// since the last pass.
func (s *TxSyncer) syncConfirmable(ctx context.Context, c Confirmable) error {
	var newlyConfirmed []ConfirmedTx

	for _, txid := range c.RelevantTxids() {
		status, err := s.cfg.Chain.GetTxStatus(ctx, txid)
		switch {
		case errors.Is(err, esplora.ErrTxNotFound):
			status = &esplora.TxStatus{}

		case err != nil:
			return fmt.Errorf("unable to fetch status of %v: %w",
				txid, err)
		}

		prevBlock, wasConfirmed := s.confirmed[txid]

		if !status.Confirmed {
			if wasConfirmed {
				log.Warnf("Transaction %v left the chain", txid)

				delete(s.confirmed, txid)
				c.TransactionUnconfirmed(txid)
			}

			continue
		}

		blockHash, err := chainhash.NewHashFromStr(status.BlockHash)
		if err != nil {
			return fmt.Errorf("invalid block hash for %v: %w",
				txid, err)
		}

		if wasConfirmed {
			if prevBlock == *blockHash {
				continue
			}

			// Reorged into a different block.
			c.TransactionUnconfirmed(txid)
		}

		s.confirmed[txid] = *blockHash
		newlyConfirmed = append(newlyConfirmed, ConfirmedTx{
			Txid:      txid,
			Height:    status.BlockHeight,
			BlockHash: *blockHash,
		})
	}

	if len(newlyConfirmed) == 0 {
		return nil
	}

	sort.SliceStable(newlyConfirmed, func(i, j int) bool {
		return newlyConfirmed[i].Height < newlyConfirmed[j].Height
	})
	c.TransactionsConfirmed(newlyConfirmed)

	return nil
}

// syncWithdrawals feeds confirmation counts of our pending withdrawals to the
// payment ledger.
func (s *TxSyncer) syncWithdrawals(ctx context.Context, tip int64) error {
	for _, txid := range s.cfg.Withdrawals.PendingOnchainTxids() {
		status, err := s.cfg.Chain.GetTxStatus(ctx, txid)
		if errors.Is(err, esplora.ErrTxNotFound) {
			log.Debugf("Withdrawal %v not yet seen by the chain "+
				"backend", txid)
			continue
		}
		if err != nil {
			return fmt.Errorf("unable to fetch status of %v: %w",
				txid, err)
		}

		var confs uint32
		if status.Confirmed && tip >= status.BlockHeight {
			confs = uint32(tip - status.BlockHeight + 1)
		}

		err = s.cfg.Withdrawals.OnOnchainConfirmations(ctx, txid, confs)
		if err != nil {
			log.Errorf("Unable to update confirmations of "+
				"withdrawal %v: %v", txid, err)
		}
	}

	return nil
}
