package chainsync

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nodecore/lnnode/esplora"
	"github.com/nodecore/lnnode/writeback"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTxSource struct {
	mock.Mock
}

func (m *mockTxSource) GetTipHeight(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTxSource) GetTipHash(ctx context.Context) (*chainhash.Hash,
	error) {

	args := m.Called(ctx)
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

func (m *mockTxSource) GetTxStatus(ctx context.Context,
	txid chainhash.Hash) (*esplora.TxStatus, error) {

	args := m.Called(ctx, txid)
	status, _ := args.Get(0).(*esplora.TxStatus)
	return status, args.Error(1)
}

type fakeConfirmable struct {
	txids       []chainhash.Hash
	confirmed   []ConfirmedTx
	unconfirmed []chainhash.Hash
	bestHeight  int64
}

func (f *fakeConfirmable) RelevantTxids() []chainhash.Hash {
	return f.txids
}

func (f *fakeConfirmable) TransactionsConfirmed(txs []ConfirmedTx) {
	f.confirmed = append(f.confirmed, txs...)
}

func (f *fakeConfirmable) TransactionUnconfirmed(txid chainhash.Hash) {
	f.unconfirmed = append(f.unconfirmed, txid)
}

func (f *fakeConfirmable) BestBlockUpdated(_ chainhash.Hash, height int64) {
	f.bestHeight = height
}

type mockWithdrawals struct {
	mock.Mock
}

func (m *mockWithdrawals) PendingOnchainTxids() []chainhash.Hash {
	return m.Called().Get(0).([]chainhash.Hash)
}

func (m *mockWithdrawals) OnOnchainConfirmations(ctx context.Context,
	txid chainhash.Hash, confs uint32) error {

	return m.Called(ctx, txid, confs).Error(0)
}

func hashN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = n
	return h
}

func confirmedAt(height int64, block chainhash.Hash) *esplora.TxStatus {
	return &esplora.TxStatus{
		Confirmed:   true,
		BlockHeight: height,
		BlockHash:   block.String(),
	}
}

// TestTxSyncerConfirmations asserts that confirmations are reported once in
// height order and that a transaction leaving the chain is unconfirmed.
func TestTxSyncerConfirmations(t *testing.T) {
	t.Parallel()

	var (
		tx1, tx2, tx3 = hashN(1), hashN(2), hashN(3)
		block1        = hashN(101)
		block2        = hashN(102)
		tip           = hashN(200)
	)

	chain := &mockTxSource{}
	chain.On("GetTipHeight", mock.Anything).Return(int64(110), nil)
	chain.On("GetTipHash", mock.Anything).Return(&tip, nil)
	chain.On("GetTxStatus", mock.Anything, tx1).Return(
		confirmedAt(105, block2), nil,
	).Once()
	chain.On("GetTxStatus", mock.Anything, tx2).Return(
		confirmedAt(100, block1), nil,
	).Once()
	chain.On("GetTxStatus", mock.Anything, tx3).Return(
		nil, esplora.ErrTxNotFound,
	).Once()

	conf := &fakeConfirmable{txids: []chainhash.Hash{tx1, tx2, tx3}}
	store := writeback.NewMemStore()
	state, err := writeback.Load(
		context.Background(), writeback.DefaultConfig("node"),
		store, writeback.DefaultNodeState,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Shutdown() })

	now := time.Unix(1_700_000_000, 0)
	syncer := NewTxSyncer(&TxSyncerConfig{
		Chain:        chain,
		Confirmables: []Confirmable{conf},
		State:        state,
		Clock:        clock.NewTestClock(now),
	})

	require.NoError(t, syncer.Sync(context.Background()))
	require.Len(t, conf.confirmed, 2)
	require.Equal(t, tx2, conf.confirmed[0].Txid)
	require.Equal(t, tx1, conf.confirmed[1].Txid)
	require.EqualValues(t, 110, conf.bestHeight)

	nodeState := state.Read()
	require.Equal(t, &writeback.ChainTip{
		Height: 110, Hash: tip.String(),
	}, nodeState.ChainTip)
	require.True(t, now.Equal(*nodeState.LastChainSync))

	// Second pass: tx1 is unchanged, tx2 was reorged out.
	chain.On("GetTxStatus", mock.Anything, tx1).Return(
		confirmedAt(105, block2), nil,
	).Once()
	chain.On("GetTxStatus", mock.Anything, tx2).Return(
		&esplora.TxStatus{}, nil,
	).Once()
	chain.On("GetTxStatus", mock.Anything, tx3).Return(
		nil, esplora.ErrTxNotFound,
	).Once()

	require.NoError(t, syncer.Sync(context.Background()))
	require.Len(t, conf.confirmed, 2)
	require.Equal(t, []chainhash.Hash{tx2}, conf.unconfirmed)

	chain.AssertExpectations(t)
}

// TestTxSyncerWithdrawals asserts that withdrawal confirmation counts are
// derived from the tip height.
func TestTxSyncerWithdrawals(t *testing.T) {
	t.Parallel()

	var (
		confirmedTx = hashN(1)
		mempoolTx   = hashN(2)
		unknownTx   = hashN(3)
		tip         = hashN(200)
	)

	chain := &mockTxSource{}
	chain.On("GetTipHeight", mock.Anything).Return(int64(110), nil)
	chain.On("GetTipHash", mock.Anything).Return(&tip, nil)
	chain.On("GetTxStatus", mock.Anything, confirmedTx).Return(
		confirmedAt(108, hashN(100)), nil,
	)
	chain.On("GetTxStatus", mock.Anything, mempoolTx).Return(
		&esplora.TxStatus{}, nil,
	)
	chain.On("GetTxStatus", mock.Anything, unknownTx).Return(
		nil, esplora.ErrTxNotFound,
	)

	withdrawals := &mockWithdrawals{}
	withdrawals.On("PendingOnchainTxids").Return([]chainhash.Hash{
		confirmedTx, mempoolTx, unknownTx,
	})
	withdrawals.On(
		"OnOnchainConfirmations", mock.Anything, confirmedTx,
		uint32(3),
	).Return(nil).Once()
	withdrawals.On(
		"OnOnchainConfirmations", mock.Anything, mempoolTx, uint32(0),
	).Return(nil).Once()

	syncer := NewTxSyncer(&TxSyncerConfig{
		Chain:       chain,
		Withdrawals: withdrawals,
	})

	require.NoError(t, syncer.Sync(context.Background()))
	withdrawals.AssertExpectations(t)
}
