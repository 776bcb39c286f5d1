package lnnode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nodecore/lnnode/bgprocessor"
	"github.com/nodecore/lnnode/chainsync"
	"github.com/nodecore/lnnode/esplora"
	"github.com/nodecore/lnnode/events"
	"github.com/nodecore/lnnode/payments"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
	"github.com/nodecore/lnnode/writeback"
	"github.com/stretchr/testify/require"
)

const (
	testTipHeight  = 100
	testDepositSat = 50_000
)

var (
	testTipHash     = strings.Repeat("ab", 32)
	testDepositTxid = strings.Repeat("cd", 32)
)

// newFakeEsplora serves the few endpoints a node needs on startup: the tip
// and a single unconfirmed UTXO for every address.
func newFakeEsplora(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/blocks/tip/height":
				_, _ = w.Write([]byte("100"))

			case r.URL.Path == "/blocks/tip/hash":
				_, _ = w.Write([]byte(testTipHash))

			case strings.HasPrefix(r.URL.Path, "/address/") &&
				strings.HasSuffix(r.URL.Path, "/utxo"):

				utxos := []*esplora.UTXO{{
					TxID:  testDepositTxid,
					Vout:  0,
					Value: testDepositSat,
				}}
				_ = json.NewEncoder(w).Encode(utxos)

			default:
				http.NotFound(w, r)
			}
		},
	))
	t.Cleanup(server.Close)

	return server
}

// fakeEngine stands in for every part of the protocol engine.
type fakeEngine struct {
	wake chan struct{}

	processed atomic.Int32
	persisted atomic.Int32
	bestBlock atomic.Int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{wake: make(chan struct{})}
}

func (f *fakeEngine) WakeChan() <-chan struct{} {
	return f.wake
}

func (f *fakeEngine) ProcessPendingEvents(_ context.Context,
	_ bgprocessor.EventHandler) {

	f.processed.Add(1)
}

func (f *fakeEngine) PersistenceNeeded() bool               { return false }
func (f *fakeEngine) TimerTick()                            {}
func (f *fakeEngine) ProcessEvents()                        {}
func (f *fakeEngine) ClaimFunds(lntypes.Preimage)           {}
func (f *fakeEngine) FailHTLCBackwards(lntypes.Hash)        {}
func (f *fakeEngine) AbandonPayment(lntypes.Hash)           {}
func (f *fakeEngine) ProcessPendingHTLCForwards()           {}
func (f *fakeEngine) RelevantTxids() []chainhash.Hash       { return nil }
func (f *fakeEngine) TransactionUnconfirmed(chainhash.Hash) {}

func (f *fakeEngine) TransactionsConfirmed([]chainsync.ConfirmedTx) {}

func (f *fakeEngine) BestBlockUpdated(_ chainhash.Hash, height int64) {
	f.bestBlock.Store(height)
}

func (f *fakeEngine) PersistChannelManager(context.Context) error {
	f.persisted.Add(1)
	return nil
}

func (f *fakeEngine) SweepSpendableOutputs(context.Context,
	[]events.SpendableOutput) (*wire.MsgTx, error) {

	return nil, errors.New("sweeping not supported")
}

func (f *fakeEngine) engine() *Engine {
	return &Engine{
		ChannelManager: f,
		ChainMonitor:   f,
		PeerManager:    f,
		Persister:      f,
		Confirmables:   []chainsync.Confirmable{f},
		Sweeper:        f,
		Forwarder:      f,
	}
}

// nodeHarness runs a node against a fake chain backend.
type nodeHarness struct {
	cfg       *Config
	fake      *fakeEngine
	events    *testevent.Receiver
	ledgerKey [32]byte
}

func newNodeHarness(t *testing.T) *nodeHarness {
	server := newFakeEsplora(t)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Esplora.URL = server.URL
	cfg.Esplora.RequestsPerSecond = 0
	cfg.HealthChecks.ChainCheck.Attempts = 0
	cfg.Writeback.MinSpacing = 0
	cfg.Wallet.Addresses = []string{addr.EncodeAddress()}

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	return &nodeHarness{
		cfg:       cleanCfg,
		fake:      newFakeEngine(),
		ledgerKey: [32]byte{0xaa, 0xbb},
	}
}

func (h *nodeHarness) newNode(t *testing.T) (*Node, *signal.Once) {
	sender, receiver := testevent.NewChannel()
	t.Cleanup(receiver.Stop)
	h.events = receiver

	shutdown := signal.NewOnce()
	node, err := NewNode(
		context.Background(), h.cfg, h.fake.engine(), shutdown,
		WithTestEvents(sender),
		WithSyncTickers(
			ticker.NewForce(time.Hour), ticker.NewForce(time.Hour),
		),
	)
	require.NoError(t, err)

	return node, shutdown
}

// TestNodeLifecycle starts a node, checks that the first syncs reached every
// subsystem and that state survives a restart.
func TestNodeLifecycle(t *testing.T) {
	t.Parallel()

	h := newNodeHarness(t)
	node, _ := h.newNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, node.Start(ctx))

	// Both syncs completed before Start returned.
	require.Equal(t, int64(testTipHeight), h.fake.bestBlock.Load())

	state := node.State()
	require.NotNil(t, state.ChainTip)
	require.Equal(t, int64(testTipHeight), state.ChainTip.Height)
	require.Equal(t, testTipHash, state.ChainTip.Hash)
	require.NotNil(t, state.LastOnchainSync)

	balance := node.Wallet().Balance()
	require.Equal(t, btcutil.Amount(testDepositSat), balance.Unconfirmed)

	pending := node.Payments().ListPending()
	require.Len(t, pending, 1)
	require.Equal(t, payments.KindOnchainDeposit, pending[0].Kind())

	// An explicit processing request runs a pass over the engine.
	require.NoError(t, node.Processor().ProcessNow(ctx))
	require.NoError(t, h.events.Wait(ctx, testevent.EventsProcessed))
	require.GreaterOrEqual(t, h.fake.processed.Load(), int32(2))

	showSats := true
	require.NoError(t, node.UpdateSettings(&writeback.Settings{
		ShowSats: &showSats,
	}))

	require.NoError(t, node.Resync(ctx))

	require.NoError(t, node.Stop())

	// The processor persisted the channel manager on its way out.
	require.GreaterOrEqual(t, h.fake.persisted.Load(), int32(1))

	// The ledger is encrypted, a node without the key can't load it.
	_, err := NewNode(
		context.Background(), h.cfg, h.fake.engine(), signal.NewOnce(),
	)
	require.ErrorIs(t, err, payments.ErrSealedRecord)

	// A second node over the same directory sees the same ledger and
	// settings.
	restarted, _ := h.newNode(t)
	defer func() {
		require.NoError(t, restarted.Stop())
	}()

	state = restarted.State()
	require.NotNil(t, state.Settings)
	require.NotNil(t, state.Settings.ShowSats)
	require.True(t, *state.Settings.ShowSats)

	pending = restarted.Payments().ListPending()
	require.Len(t, pending, 1)
	require.Equal(t, payments.KindOnchainDeposit, pending[0].Kind())
}

// TestNodeStartShutdown checks that Start gives up once shutdown is sent.
func TestNodeStartShutdown(t *testing.T) {
	t.Parallel()

	h := newNodeHarness(t)

	// Point the node at a backend that never answers in time.
	blocked := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-blocked:
			case <-r.Context().Done():
			}
		},
	))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(blocked) })
	h.cfg.Esplora.URL = slow.URL

	node, shutdown := h.newNode(t)

	errChan := make(chan error, 1)
	go func() {
		errChan <- node.Start(context.Background())
	}()

	shutdown.Send()

	select {
	case err := <-errChan:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after shutdown")
	}

	require.NoError(t, node.Stop())
}
