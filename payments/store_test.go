package payments

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "payments")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	store, err := NewKVStore(backend)
	require.NoError(t, err)

	return store
}

func testWithdrawal(n byte) *OnchainWithdrawal {
	var txid chainhash.Hash
	txid[0] = n

	return &OnchainWithdrawal{
		Common: Common{
			Created: testTime.Add(time.Duration(n) * time.Minute),
		},
		Txid:      txid,
		AmountSat: btcutil.Amount(n) * 1000,
		FeesSat:   100,
		State:     SendBroadcasted,
	}
}

func paymentIDs(payments []Payment) []ID {
	ids := make([]ID, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.ID())
	}

	return ids
}

// TestKVStoreQueryPayments tests forward and reversed pagination over the
// payment index.
func TestKVStoreQueryPayments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	var all []ID
	for n := byte(1); n <= 5; n++ {
		p := testWithdrawal(n)
		require.NoError(t, store.PutPayment(ctx, p))
		all = append(all, p.ID())
	}

	// Rewriting a payment keeps its position.
	updated := testWithdrawal(1)
	updated.Confirmations = 2
	updated.State = SendPartiallyConfirmed
	require.NoError(t, store.PutPayment(ctx, updated))

	tests := []struct {
		name     string
		query    Query
		expected []ID
		firstIdx uint64
		lastIdx  uint64
	}{
		{
			name:     "all",
			query:    Query{},
			expected: all,
			firstIdx: 1,
			lastIdx:  5,
		},
		{
			name: "forward page",
			query: Query{
				IndexOffset: 2,
				MaxPayments: 2,
			},
			expected: all[2:4],
			firstIdx: 3,
			lastIdx:  4,
		},
		{
			name: "forward past end",
			query: Query{
				IndexOffset: 5,
			},
		},
		{
			name: "reversed from end",
			query: Query{
				MaxPayments: 2,
				Reversed:    true,
			},
			expected: all[3:],
			firstIdx: 4,
			lastIdx:  5,
		},
		{
			name: "reversed page",
			query: Query{
				IndexOffset: 3,
				MaxPayments: 5,
				Reversed:    true,
			},
			expected: all[:2],
			firstIdx: 1,
			lastIdx:  2,
		},
		{
			name: "reversed offset past end",
			query: Query{
				IndexOffset: 10,
				MaxPayments: 1,
				Reversed:    true,
			},
			expected: all[4:],
			firstIdx: 5,
			lastIdx:  5,
		},
		{
			name: "reversed from first",
			query: Query{
				IndexOffset: 1,
				Reversed:    true,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp, err := store.QueryPayments(ctx, test.query)
			require.NoError(t, err)

			if len(test.expected) == 0 {
				require.Empty(t, resp.Payments)
				return
			}

			require.Equal(t, test.expected, paymentIDs(resp.Payments))
			require.Equal(t, test.firstIdx, resp.FirstIndexOffset)
			require.Equal(t, test.lastIdx, resp.LastIndexOffset)
		})
	}

	resp, err := store.QueryPayments(ctx, Query{MaxPayments: 1})
	require.NoError(t, err)
	require.Len(t, resp.Payments, 1)

	first, ok := resp.Payments[0].(*OnchainWithdrawal)
	require.True(t, ok)
	require.Equal(t, SendPartiallyConfirmed, first.State)
	require.EqualValues(t, 2, first.Confirmations)
}

// TestKVStorePendingAndFinalized tests that finalizing a payment moves it out
// of the pending set.
func TestKVStorePendingAndFinalized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.FetchPayment(ctx, testWithdrawal(9).ID())
	require.ErrorIs(t, err, ErrPaymentNotFound)

	pending := testWithdrawal(1)
	require.NoError(t, store.PutPayment(ctx, pending))

	done := testWithdrawal(2)
	require.NoError(t, store.PutPayment(ctx, done))

	done.Confirmations = ConfirmationThreshold
	done.State = SendFullyConfirmed
	done.finalize(testTime.Add(time.Hour))
	require.NoError(t, store.PutPayment(ctx, done))

	loaded, err := store.FetchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []ID{pending.ID()}, paymentIDs(loaded))

	finalized, err := store.FetchFinalized(ctx)
	require.NoError(t, err)
	require.Equal(t, map[ID]Status{done.ID(): StatusCompleted}, finalized)

	fetched, err := store.FetchPayment(ctx, done.ID())
	require.NoError(t, err)
	require.NoError(t, AssertInvariants(fetched))
	require.True(t, fetched.FinalizedAt().IsSome())
}

// TestCodecRoundTrip tests that every payment kind survives the database
// envelope.
func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	preimage, hash := testPreimage(3)
	amt := lnwire.MilliSatoshi(42_000)

	payments := []Payment{
		testWithdrawal(1),
		&OnchainDeposit{
			Common:    Common{Created: testTime},
			AmountSat: 5000,
			State:     ReceiveZeroconf,
		},
		&InboundInvoice{
			Common:        Common{Created: testTime},
			Hash:          hash,
			Preimage:      preimage,
			InvoiceAmount: &amt,
			ExpiresAt:     testTime.Add(time.Hour),
			State:         InvoiceGenerated,
		},
		&OutboundSpontaneous{
			Common:        Common{Created: testTime},
			Hash:          hash,
			Amt:           amt,
			FailureReason: "no route",
			State:         OutboundSpontaneousPending,
		},
	}

	for i, p := range payments {
		data, err := serializePayment(p, uint64(i+1))
		require.NoError(t, err)

		decoded, seqNum, err := deserializePayment(data)
		require.NoError(t, err)
		require.EqualValues(t, i+1, seqNum)
		require.Equal(t, p.ID(), decoded.ID())
		require.Equal(t, p.Kind(), decoded.Kind())
		require.Equal(t, p.StatusStr(), decoded.StatusStr())
		require.Equal(t, p.Amount(), decoded.Amount())
		require.True(t, p.CreatedAt().Equal(decoded.CreatedAt()))
	}
}

// TestKVStoreEncryption tests that an encrypting store seals records at rest,
// still reads plaintext records and rejects records under the wrong key.
func TestKVStoreEncryption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "payments")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	plainStore, err := NewKVStore(backend)
	require.NoError(t, err)

	encrypter, err := NewEncrypter([32]byte{1, 2, 3})
	require.NoError(t, err)
	sealedStore, err := NewKVStore(backend, WithEncrypter(encrypter))
	require.NoError(t, err)

	wrongKey, err := NewEncrypter([32]byte{9})
	require.NoError(t, err)
	wrongStore, err := NewKVStore(backend, WithEncrypter(wrongKey))
	require.NoError(t, err)

	rawRecord := func(id ID) []byte {
		var data []byte
		err := kvdb.View(backend, func(tx kvdb.RTx) error {
			data = append([]byte(nil),
				tx.ReadBucket(paymentsBucket).Get(id.key())...)

			return nil
		}, func() {
			data = nil
		})
		require.NoError(t, err)

		return data
	}

	// A record written before encryption was enabled is readable by the
	// encrypting store and gets sealed when it is next written.
	older := testWithdrawal(1)
	require.NoError(t, plainStore.PutPayment(ctx, older))
	require.False(t, isSealed(rawRecord(older.ID())))

	p, err := sealedStore.FetchPayment(ctx, older.ID())
	require.NoError(t, err)
	require.Equal(t, older.ID(), p.ID())

	older.State = SendFullyConfirmed
	require.NoError(t, sealedStore.PutPayment(ctx, older))
	require.True(t, isSealed(rawRecord(older.ID())))

	newer := testWithdrawal(2)
	require.NoError(t, sealedStore.PutPayment(ctx, newer))

	raw := rawRecord(newer.ID())
	require.True(t, isSealed(raw))
	require.NotContains(t, string(raw), newer.Txid.String())

	// Only the right key opens the ledger.
	p, err = sealedStore.FetchPayment(ctx, newer.ID())
	require.NoError(t, err)
	require.Equal(t, newer.StatusStr(), p.StatusStr())

	_, err = plainStore.FetchPayment(ctx, newer.ID())
	require.ErrorIs(t, err, ErrSealedRecord)

	_, err = wrongStore.FetchPayment(ctx, newer.ID())
	require.Error(t, err)

	// Order and sequence numbers survive encryption.
	resp, err := sealedStore.QueryPayments(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, []ID{older.ID(), newer.ID()},
		paymentIDs(resp.Payments))

	pending, err := sealedStore.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, newer.ID(), pending[0].ID())

	// A sealed record is bound to its key.
	_, err = encrypter.open(older.ID().key(), raw)
	require.Error(t, err)

	// Unknown versions are rejected.
	bumped := append([]byte(nil), raw...)
	bumped[0] = sealedVersion + 1
	_, err = encrypter.open(newer.ID().key(), bumped)
	require.ErrorIs(t, err, ErrUnknownSealVersion)
}
