package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/nodecore/lnnode/esplora"
)

// ChainSource is the part of the chain backend the wallet syncs from.
type ChainSource interface {
	// GetTipHeight returns the height of the best block.
	GetTipHeight(ctx context.Context) (int64, error)

	// GetAddressUTXOs returns the unspent outputs of an address,
	// including unconfirmed ones.
	GetAddressUTXOs(ctx context.Context,
		address string) ([]*esplora.UTXO, error)
}

// DepositObserver is told about every transaction paying the wallet that the
// wallet did not broadcast itself.
type DepositObserver interface {
	OnOnchainDeposit(ctx context.Context, txid chainhash.Hash,
		amount btcutil.Amount, confs uint32) error
}

// Config houses the collaborators of a Wallet.
type Config struct {
	// Chain is the backend the wallet syncs from.
	Chain ChainSource

	// Addresses are the addresses the wallet watches.
	Addresses []btcutil.Address

	// Deposits, if set, receives incoming transactions after every sync.
	Deposits DepositObserver
}

// UTXO is an output the wallet can spend.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Height is the confirmation height, or zero if unconfirmed.
	Height int64
}

// Balance is the wallet's spendable value.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// Total returns the sum of confirmed and unconfirmed value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// Wallet is the node's view of its onchain outputs. It is refreshed by Sync
// and updated locally whenever the node broadcasts a transaction, so that the
// inputs of that transaction are not spent twice before the next sync.
type Wallet struct {
	cfg *Config

	// scripts maps the hex output script of each watched address.
	scripts map[string]btcutil.Address

	mu sync.RWMutex

	utxos map[wire.OutPoint]*UTXO

	// spent holds inputs of our broadcasts the chain backend may not
	// reflect yet.
	spent map[wire.OutPoint]struct{}

	// broadcasted holds txids of our own transactions, so their change
	// outputs are not reported as deposits.
	broadcasted map[chainhash.Hash]struct{}

	// broadcastSeq counts applied broadcasts. A sync compares it to the
	// count at its start to find broadcasts its snapshot may predate.
	broadcastSeq uint64

	// localOutputs are outputs paying us that TransactionBroadcasted
	// added, keyed to the broadcastSeq that added them.
	localOutputs map[wire.OutPoint]localOutput

	tipHeight int64
}

// localOutput is an output of one of our broadcasts.
type localOutput struct {
	utxo *UTXO
	seq  uint64
}

// New creates a wallet watching the configured addresses.
func New(cfg *Config) (*Wallet, error) {
	scripts := make(map[string]btcutil.Address, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("unable to watch %v: %w", addr, err)
		}
		scripts[hex.EncodeToString(pkScript)] = addr
	}

	return &Wallet{
		cfg:          cfg,
		scripts:      scripts,
		utxos:        make(map[wire.OutPoint]*UTXO),
		spent:        make(map[wire.OutPoint]struct{}),
		broadcasted:  make(map[chainhash.Hash]struct{}),
		localOutputs: make(map[wire.OutPoint]localOutput),
	}, nil
}

// deposit is an incoming transaction found during a sync.
type deposit struct {
	txid   chainhash.Hash
	amount btcutil.Amount
	confs  uint32
}

// Sync replaces the UTXO view with the chain backend's and reports incoming
// transactions to the deposit observer. Outputs of transactions broadcast
// while the backend was queried are kept, as the snapshot may not contain
// them yet.
func (w *Wallet) Sync(ctx context.Context) error {
	w.mu.RLock()
	startSeq := w.broadcastSeq
	w.mu.RUnlock()

	tip, err := w.cfg.Chain.GetTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch tip: %w", err)
	}

	utxos := make(map[wire.OutPoint]*UTXO)
	for script, addr := range w.scripts {
		pkScript, _ := hex.DecodeString(script)

		addrUTXOs, err := w.cfg.Chain.GetAddressUTXOs(
			ctx, addr.EncodeAddress(),
		)
		if err != nil {
			return fmt.Errorf("unable to fetch utxos of %v: %w",
				addr, err)
		}

		for _, u := range addrUTXOs {
			hash, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return fmt.Errorf("invalid txid %v: %w", u.TxID,
					err)
			}

			op := wire.OutPoint{Hash: *hash, Index: u.Vout}
			utxo := &UTXO{
				OutPoint: op,
				Value:    btcutil.Amount(u.Value),
				PkScript: pkScript,
			}
			if u.Status.Confirmed {
				utxo.Height = u.Status.BlockHeight
			}
			utxos[op] = utxo
		}
	}

	w.mu.Lock()
	for op := range w.spent {
		// Once the backend stops reporting the output, it has seen
		// our spend and we can forget about it.
		if _, ok := utxos[op]; !ok {
			delete(w.spent, op)
			continue
		}
		delete(utxos, op)
	}
	for op, local := range w.localOutputs {
		// Broadcasts applied before the sync started are visible to
		// the backend, its view of them wins.
		if local.seq <= startSeq {
			delete(w.localOutputs, op)
			continue
		}

		_, seen := utxos[op]
		_, spent := w.spent[op]
		if !seen && !spent {
			utxos[op] = local.utxo
		}
	}
	w.utxos = utxos
	w.tipHeight = tip
	deposits := w.depositsLocked()
	w.mu.Unlock()

	log.Debugf("Synced wallet: tip=%d, utxos=%d", tip, len(utxos))

	if w.cfg.Deposits == nil {
		return nil
	}

	for _, d := range deposits {
		err := w.cfg.Deposits.OnOnchainDeposit(
			ctx, d.txid, d.amount, d.confs,
		)
		if err != nil {
			log.Errorf("Unable to record deposit %v: %v", d.txid,
				err)
		}
	}

	return nil
}

// depositsLocked groups the UTXOs not created by our own broadcasts by
// transaction. The caller must hold the lock.
func (w *Wallet) depositsLocked() []deposit {
	byTx := make(map[chainhash.Hash]*deposit)
	for op, utxo := range w.utxos {
		if _, ok := w.broadcasted[op.Hash]; ok {
			continue
		}

		d, ok := byTx[op.Hash]
		if !ok {
			d = &deposit{txid: op.Hash}
			if utxo.Height > 0 && utxo.Height <= w.tipHeight {
				d.confs = uint32(w.tipHeight - utxo.Height + 1)
			}
			byTx[op.Hash] = d
		}
		d.amount += utxo.Value
	}

	deposits := make([]deposit, 0, len(byTx))
	for _, d := range byTx {
		deposits = append(deposits, *d)
	}
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].txid.String() < deposits[j].txid.String()
	})

	return deposits
}

// TransactionBroadcasted applies a transaction we just broadcast to the UTXO
// view: its inputs are no longer spendable and its outputs paying us are
// added as unconfirmed.
func (w *Wallet) TransactionBroadcasted(tx *wire.MsgTx) {
	txid := tx.TxHash()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.broadcasted[txid] = struct{}{}
	w.broadcastSeq++

	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		delete(w.localOutputs, op)

		if _, ok := w.utxos[op]; ok {
			delete(w.utxos, op)
			w.spent[op] = struct{}{}
		}
	}

	for i, txOut := range tx.TxOut {
		if _, ok := w.scripts[hex.EncodeToString(txOut.PkScript)]; !ok {
			continue
		}

		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		utxo := &UTXO{
			OutPoint: op,
			Value:    btcutil.Amount(txOut.Value),
			PkScript: txOut.PkScript,
		}
		w.utxos[op] = utxo
		w.localOutputs[op] = localOutput{
			utxo: utxo,
			seq:  w.broadcastSeq,
		}
	}

	log.Debugf("Applied broadcast tx %v to wallet", txid)
}

// Balance returns the value of the current UTXO view.
func (w *Wallet) Balance() Balance {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var b Balance
	for _, utxo := range w.utxos {
		if utxo.Height > 0 {
			b.Confirmed += utxo.Value
		} else {
			b.Unconfirmed += utxo.Value
		}
	}

	return b
}

// UTXOs returns the spendable outputs sorted by outpoint.
func (w *Wallet) UTXOs() []UTXO {
	w.mu.RLock()
	utxos := make([]UTXO, 0, len(w.utxos))
	for _, utxo := range w.utxos {
		utxos = append(utxos, *utxo)
	}
	w.mu.RUnlock()

	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})

	return utxos
}

// TipHeight returns the tip height seen by the last sync.
func (w *Wallet) TipHeight() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.tipHeight
}
