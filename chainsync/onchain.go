package chainsync

import (
	"context"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/nodecore/lnnode/writeback"
)

// WalletSyncer is a wallet that can resync its UTXO view.
type WalletSyncer interface {
	Sync(ctx context.Context) error
}

// OnchainSyncer syncs the onchain wallet and records when it last did so.
type OnchainSyncer struct {
	wallet WalletSyncer
	state  StateStore
	clock  clock.Clock
}

// NewOnchainSyncer creates an OnchainSyncer. state may be nil.
func NewOnchainSyncer(wallet WalletSyncer, state StateStore,
	clk clock.Clock) *OnchainSyncer {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &OnchainSyncer{
		wallet: wallet,
		state:  state,
		clock:  clk,
	}
}

// Sync runs one wallet sync. It is used as a Task's sync function.
func (o *OnchainSyncer) Sync(ctx context.Context) error {
	if err := o.wallet.Sync(ctx); err != nil {
		return err
	}

	if o.state == nil {
		return nil
	}

	now := o.clock.Now()
	patch := writeback.NewNodeStatePatch()
	patch.LastOnchainSync = &now

	return o.state.Update(patch)
}
