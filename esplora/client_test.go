package esplora

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newTestClient starts an HTTP server running handler and returns a client
// pointed at it.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultClientConfig(server.URL)
	cfg.RequestsPerSecond = 0
	client := NewClient(cfg)
	t.Cleanup(client.Stop)

	return client
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 1},
	})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	return tx
}

// TestClientTip asserts the tip queries parse the plain text responses.
func TestClientTip(t *testing.T) {
	t.Parallel()

	tipHash := chainhash.Hash{1, 2, 3}

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, "840000\n")
	})
	mux.HandleFunc("/blocks/tip/hash", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, tipHash.String())
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	height, err := client.GetTipHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 840000, height)

	hash, err := client.GetTipHash(ctx)
	require.NoError(t, err)
	require.Equal(t, tipHash, *hash)

	require.NoError(t, client.Ping())
}

// TestClientTxStatusNotFound asserts that a 404 maps to ErrTxNotFound.
func TestClientTxStatusNotFound(t *testing.T) {
	t.Parallel()

	known := chainhash.Hash{9}

	mux := http.NewServeMux()
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, known.String()) {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}

		_, _ = io.WriteString(w, `{"confirmed":true,"block_height":12}`)
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	status, err := client.GetTxStatus(ctx, known)
	require.NoError(t, err)
	require.True(t, status.Confirmed)
	require.EqualValues(t, 12, status.BlockHeight)

	_, err = client.GetTxStatus(ctx, chainhash.Hash{1})
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestClientBroadcast asserts the hex body of a broadcast and the
// classification of a missing-or-spent rejection.
func TestClientBroadcast(t *testing.T) {
	t.Parallel()

	tx := testTx()

	var reject atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		gotTx := wire.NewMsgTx(2)
		raw, err := decodeHex(string(body))
		require.NoError(t, err)
		require.NoError(t, gotTx.Deserialize(raw))

		if reject.Load() {
			http.Error(w, "sendrawtransaction RPC error: "+
				`{"code":-25,"message":"bad-txns-inputs-`+
				`missingorspent"}`, http.StatusBadRequest)
			return
		}

		_, _ = io.WriteString(w, gotTx.TxHash().String())
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	txid, err := client.BroadcastTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), *txid)

	reject.Store(true)
	_, err = client.BroadcastTx(ctx, tx)
	require.Error(t, err)
	require.True(t, IsSpentOrMissingInputs(err))

	client.Stop()
	_, err = client.BroadcastTx(ctx, tx)
	require.ErrorIs(t, err, ErrClientShutdown)
}
