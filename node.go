package lnnode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nodecore/lnnode/bgprocessor"
	"github.com/nodecore/lnnode/broadcast"
	"github.com/nodecore/lnnode/chainsync"
	"github.com/nodecore/lnnode/esplora"
	"github.com/nodecore/lnnode/events"
	"github.com/nodecore/lnnode/monitoring"
	"github.com/nodecore/lnnode/notify"
	"github.com/nodecore/lnnode/payments"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
	"github.com/nodecore/lnnode/wallet"
	"github.com/nodecore/lnnode/writeback"
	"golang.org/x/sync/errgroup"
)

const (
	// paymentsDBName is the file name of the payment ledger.
	paymentsDBName = "payments.db"

	// nodeStateFileName is the file name of the node state document.
	nodeStateFileName = "node_state.json"

	// stopTimeout bounds the closers run in parallel by Stop.
	stopTimeout = 30 * time.Second
)

var (
	// ErrFirstSyncTimeout is returned by Start when the initial sync did
	// not finish in time.
	ErrFirstSyncTimeout = errors.New("timed out waiting for first sync")

	// ErrNodeShutdown is returned by Start when shutdown was requested
	// before the node finished starting.
	ErrNodeShutdown = errors.New("node is shutting down")
)

// ChannelManager is the part of the protocol engine that both the background
// processor and the payment ledger drive.
type ChannelManager interface {
	bgprocessor.ChannelManager
	payments.ChannelManager
}

// Engine bundles the protocol engine the node runs. The engine is built by
// the embedder.
type Engine struct {
	ChannelManager ChannelManager

	ChainMonitor bgprocessor.ChainMonitor

	// OnionMessenger is optional.
	OnionMessenger bgprocessor.OnionMessenger

	PeerManager bgprocessor.PeerManager

	Persister bgprocessor.Persister

	// Confirmables are kept in sync with the chain.
	Confirmables []chainsync.Confirmable

	// Sweeper builds transactions spending outputs the engine hands back
	// to the wallet.
	Sweeper events.Sweeper

	Forwarder events.Forwarder
}

// NodeOption modifies the dependencies of a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	clock         clock.Clock
	testEvents    *testevent.Sender
	chainTicker   ticker.Ticker
	onchainTicker ticker.Ticker
	ledgerKey     fn.Option[[32]byte]
}

// WithClock makes the node use clk for all its timers.
func WithClock(clk clock.Clock) NodeOption {
	return func(o *nodeOptions) {
		o.clock = clk
	}
}

// WithTestEvents makes the node report its progress to sender.
func WithTestEvents(sender *testevent.Sender) NodeOption {
	return func(o *nodeOptions) {
		o.testEvents = sender
	}
}

// WithSyncTickers overrides the tickers of the chain and the wallet sync
// tasks.
func WithSyncTickers(chain, onchain ticker.Ticker) NodeOption {
	return func(o *nodeOptions) {
		o.chainTicker = chain
		o.onchainTicker = onchain
	}
}

// WithLedgerKey encrypts the payment ledger at rest under a key derived from
// masterKey. Records written without a key stay readable.
func WithLedgerKey(masterKey [32]byte) NodeOption {
	return func(o *nodeOptions) {
		o.ledgerKey = fn.Some(masterKey)
	}
}

// Node wires the runtime around a protocol engine: the chain client and
// wallet, the sync tasks, the broadcaster, the payment ledger, the node state
// store and the background processor.
type Node struct {
	started sync.Once
	stopped sync.Once

	cfg    *Config
	engine *Engine
	opts   *nodeOptions

	// shutdown is the node-wide shutdown signal.
	shutdown *signal.Once

	// stateUpdates is notified after every successful sync.
	stateUpdates *notify.Notifier

	metrics  *monitoring.Metrics
	exporter *monitoring.Exporter

	chain       *esplora.Client
	wallet      *wallet.Wallet
	broadcaster *broadcast.Broadcaster

	paymentsDB kvdb.Backend
	payments   *payments.Manager

	state *writeback.DB[*writeback.NodeState]

	chainSync   *chainsync.Task
	onchainSync *chainsync.Task

	handler   *events.Handler
	processor *bgprocessor.Processor

	health *healthcheck.Monitor
}

// NewNode builds a node from a validated config. It opens the node's stores
// but starts nothing.
func NewNode(ctx context.Context, cfg *Config, engine *Engine,
	shutdown *signal.Once, options ...NodeOption) (*Node, error) {

	opts := &nodeOptions{
		clock: clock.NewDefaultClock(),
	}
	for _, option := range options {
		option(opts)
	}
	if opts.chainTicker == nil {
		opts.chainTicker = ticker.New(cfg.Sync.Interval)
	}
	if opts.onchainTicker == nil {
		opts.onchainTicker = ticker.New(cfg.Sync.Interval)
	}

	n := &Node{
		cfg:          cfg,
		engine:       engine,
		opts:         opts,
		shutdown:     shutdown.Clone(),
		stateUpdates: notify.New(),
		metrics:      monitoring.NewMetrics(),
	}

	if err := n.initStores(ctx); err != nil {
		return nil, err
	}

	if err := n.initSubsystems(ctx); err != nil {
		_ = n.closeStores(ctx)
		return nil, err
	}

	return n, nil
}

// initStores opens the payment ledger and loads the node state.
func (n *Node) initStores(ctx context.Context) error {
	db, err := payments.OpenBoltBackend(n.cfg.DataDir, paymentsDBName)
	if err != nil {
		return err
	}

	var storeOpts []payments.KVStoreOption
	err = fn.MapOptionZ(n.opts.ledgerKey, func(key [32]byte) error {
		encrypter, err := payments.NewEncrypter(key)
		if err != nil {
			return err
		}
		storeOpts = append(storeOpts, payments.WithEncrypter(encrypter))

		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	store, err := payments.NewKVStore(db, storeOpts...)
	if err != nil {
		_ = db.Close()
		return err
	}
	n.paymentsDB = db

	n.payments, err = payments.NewManager(ctx, &payments.ManagerConfig{
		Store:          store,
		ChannelManager: n.engine.ChannelManager,
		Net:            n.cfg.ActiveNetParams,
		Clock:          n.opts.clock,
		TestEvents:     n.opts.testEvents,
		OnCommit:       n.metrics.ObservePayment,
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	wbCfg := writeback.DefaultConfig("node state")
	wbCfg.MinSpacing = n.cfg.Writeback.MinSpacing
	wbCfg.ShutdownTimeout = n.cfg.Writeback.ShutdownTimeout
	wbCfg.Clock = n.opts.clock
	wbCfg.OnPersist = n.metrics.ObserveWritebackWrite

	n.state, err = writeback.Load(
		ctx, wbCfg, writeback.NewFileStore(
			filepath.Join(n.cfg.DataDir, nodeStateFileName),
		), writeback.DefaultNodeState,
	)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("unable to load node state: %w", err)
	}

	return nil
}

// initSubsystems creates every actor of the node.
func (n *Node) initSubsystems(_ context.Context) error {
	clk := n.opts.clock

	n.chain = esplora.NewClient(n.cfg.Esplora.ClientConfig())

	addrs, err := n.cfg.Wallet.ParseAddresses(n.cfg.ActiveNetParams)
	if err != nil {
		return err
	}
	n.wallet, err = wallet.New(&wallet.Config{
		Chain:     n.chain,
		Addresses: addrs,
		Deposits:  n.payments,
	})
	if err != nil {
		return err
	}
	n.metrics.RegisterWalletBalance(func() (btcutil.Amount,
		btcutil.Amount) {

		balance := n.wallet.Balance()
		return balance.Confirmed, balance.Unconfirmed
	})

	n.broadcaster = broadcast.New(&broadcast.Config{
		Chain:           n.chain,
		Wallet:          n.wallet,
		ResponseTimeout: n.cfg.Broadcast.ResponseTimeout,
		QueueSize:       n.cfg.Broadcast.QueueSize,
		Shutdown:        n.shutdown,
		TestEvents:      n.opts.testEvents,
		OnResult:        n.metrics.ObserveBroadcast,
	})

	txSyncer := chainsync.NewTxSyncer(&chainsync.TxSyncerConfig{
		Chain:        n.chain,
		Confirmables: n.engine.Confirmables,
		Withdrawals:  n.payments,
		State:        n.state,
		Clock:        clk,
	})
	n.chainSync = chainsync.NewTask(&chainsync.Config{
		Name:         "chain",
		Ticker:       n.opts.chainTicker,
		Timeout:      n.cfg.Sync.Timeout,
		Sync:         txSyncer.Sync,
		NewState:     n.stateUpdates,
		Shutdown:     n.shutdown,
		TestEvents:   n.opts.testEvents,
		SuccessEvent: testevent.SyncComplete,
		OnPass:       n.metrics.SyncObserver("chain"),
	})

	onchainSyncer := chainsync.NewOnchainSyncer(n.wallet, n.state, clk)
	n.onchainSync = chainsync.NewTask(&chainsync.Config{
		Name:         "onchain",
		Ticker:       n.opts.onchainTicker,
		Timeout:      n.cfg.Sync.Timeout,
		Sync:         onchainSyncer.Sync,
		NewState:     n.stateUpdates,
		Shutdown:     n.shutdown,
		TestEvents:   n.opts.testEvents,
		SuccessEvent: testevent.OnchainSyncComplete,
		OnPass:       n.metrics.SyncObserver("onchain"),
	})

	n.handler = events.NewHandler(&events.HandlerConfig{
		Payments:    n.payments,
		Sweeper:     n.engine.Sweeper,
		Broadcaster: n.broadcaster,
		Forwarder:   n.engine.Forwarder,
		Clock:       clk,
		Shutdown:    n.shutdown,
	})

	n.processor = bgprocessor.New(&bgprocessor.Config{
		ChannelManager:             n.engine.ChannelManager,
		ChainMonitor:               n.engine.ChainMonitor,
		OnionMessenger:             n.engine.OnionMessenger,
		PeerManager:                n.engine.PeerManager,
		Persister:                  n.engine.Persister,
		EventHandler:               n.handler,
		ProcessEventsInterval:      n.cfg.BgProc.ProcessEventsInterval,
		PeerTickInterval:           n.cfg.BgProc.PeerTickInterval,
		ChannelManagerTickInterval: n.cfg.BgProc.ChannelManagerTickInterval,
		StrictTimers:               n.cfg.BgProc.StrictTimers,
		Clock:                      clk,
		Shutdown:                   n.shutdown,
		TestEvents:                 n.opts.testEvents,
		OnChannelManagerTick:       n.timeoutExpiredInvoices,
		OnPass:                     n.metrics.ObserveProcessingPass,
	})

	chainCheck := n.cfg.HealthChecks.ChainCheck
	if chainCheck.Attempts != 0 {
		shutdownLog := build.NewShutdownLogger(log, n.shutdown.Send)

		n.health = healthcheck.NewMonitor(&healthcheck.Config{
			Checks: []*healthcheck.Observation{
				healthcheck.NewObservation(
					"chain backend", n.chain.Ping,
					chainCheck.Interval,
					chainCheck.Timeout,
					chainCheck.Backoff,
					chainCheck.Attempts,
				),
			},
			Shutdown: shutdownLog.Criticalf,
		})
	}

	return nil
}

// timeoutExpiredInvoices runs on every channel manager tick.
func (n *Node) timeoutExpiredInvoices(ctx context.Context) {
	updated, err := n.payments.TimeoutExpiredInvoices(
		ctx, n.opts.clock.Now(),
	)
	if err != nil {
		log.ErrorS(ctx, "Unable to time out expired invoices", err)
	}
	if updated > 0 {
		log.InfoS(ctx, "Timed out expired payments", "count", updated)
	}
}

// Start starts every subsystem and blocks until both the chain and the wallet
// completed their first sync, or the configured timeout expired.
func (n *Node) Start(ctx context.Context) error {
	var err error
	n.started.Do(func() {
		err = n.start(ctx)
	})

	return err
}

func (n *Node) start(ctx context.Context) error {
	log.Infof("Starting node on %v (%v build)",
		n.cfg.ActiveNetParams.Name, build.Deployment)
	log.Tracef("Node config: %v", spewClosure(n.cfg))

	exporter, err := monitoring.ExportPrometheusMetrics(
		n.cfg.Prometheus, n.metrics,
	)
	if err != nil {
		return err
	}
	n.exporter = exporter

	starters := []func() error{
		n.broadcaster.Start,
		n.chainSync.Start,
		n.onchainSync.Start,
		n.processor.Start,
	}
	if n.health != nil {
		starters = append(starters, n.health.Start)
	}
	for _, start := range starters {
		if err := start(); err != nil {
			return err
		}
	}

	// The sync tickers first fire after a full interval, so the first
	// passes are requested explicitly.
	for _, task := range []*chainsync.Task{n.chainSync, n.onchainSync} {
		go func() {
			_ = task.Resync(ctx)
		}()
	}

	return n.waitFirstSync(ctx)
}

// waitFirstSync waits for the first pass of both sync tasks.
func (n *Node) waitFirstSync(ctx context.Context) error {
	timeout := n.opts.clock.TickAfter(n.cfg.Sync.FirstSyncTimeout)
	shutdown := n.shutdown.Clone()

	tasks := []struct {
		name string
		task *chainsync.Task
	}{
		{"chain", n.chainSync},
		{"onchain", n.onchainSync},
	}
	for _, t := range tasks {
		select {
		case err := <-t.task.FirstSync():
			if err != nil {
				return fmt.Errorf("first %v sync failed: %w",
					t.name, err)
			}

		case <-timeout:
			return fmt.Errorf("%w of %v", ErrFirstSyncTimeout,
				t.name)

		case <-shutdown.Done():
			shutdown.Observe()
			return ErrNodeShutdown

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Infof("Node started, chain and wallet are synced")

	return nil
}

// Stop shuts the node down. It sends the shutdown signal, waits for the
// actors to exit and then flushes the stores.
func (n *Node) Stop() error {
	var err error
	n.stopped.Do(func() {
		log.Info("Stopping node")

		n.shutdown.Send()

		// The processor persists the channel manager a last time and
		// must exit before the event handler goes away.
		_ = n.processor.Stop()
		n.handler.Stop()

		_ = n.chainSync.Stop()
		_ = n.onchainSync.Stop()
		_ = n.broadcaster.Stop()
		if n.health != nil {
			if err := n.health.Stop(); err != nil {
				log.Errorf("Unable to stop health checks: %v",
					err)
			}
		}
		n.chain.Stop()

		ctx, cancel := context.WithTimeout(
			context.Background(), stopTimeout,
		)
		defer cancel()

		err = n.closeStores(ctx)

		log.Info("Node stopped")
	})

	return err
}

// closeStores flushes the node state, closes the payment ledger and stops
// the metrics endpoint. They are independent, so they run in parallel.
func (n *Node) closeStores(ctx context.Context) error {
	var g errgroup.Group

	if n.state != nil {
		g.Go(func() error {
			return n.state.Shutdown()
		})
	}
	if n.paymentsDB != nil {
		g.Go(func() error {
			return n.paymentsDB.Close()
		})
	}
	g.Go(func() error {
		return n.exporter.Stop(ctx)
	})

	return g.Wait()
}

// Payments returns the payment ledger.
func (n *Node) Payments() *payments.Manager {
	return n.payments
}

// Wallet returns the onchain wallet view.
func (n *Node) Wallet() *wallet.Wallet {
	return n.wallet
}

// Processor returns the background processor.
func (n *Node) Processor() *bgprocessor.Processor {
	return n.processor
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() *monitoring.Metrics {
	return n.metrics
}

// State returns a copy of the node state.
func (n *Node) State() *writeback.NodeState {
	return n.state.Read()
}

// UpdateSettings merges patch into the user settings of the node state.
func (n *Node) UpdateSettings(patch *writeback.Settings) error {
	statePatch := writeback.NewNodeStatePatch()
	statePatch.Settings = patch

	return n.state.Update(statePatch)
}

// StateUpdates returns a channel that receives after syncs changed the node's
// view of the chain. Bursts of updates coalesce.
func (n *Node) StateUpdates() <-chan struct{} {
	return n.stateUpdates.C()
}

// Resync runs a fresh pass of both sync tasks and waits for them.
func (n *Node) Resync(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return n.chainSync.Resync(ctx)
	})
	g.Go(func() error {
		return n.onchainSync.Resync(ctx)
	})

	return g.Wait()
}

// SendOnchain records a signed withdrawal in the payment ledger and
// broadcasts it. A failed broadcast leaves the withdrawal pending until the
// chain sync finds it or it is dropped.
func (n *Node) SendOnchain(ctx context.Context, tx *wire.MsgTx, amount,
	fees btcutil.Amount) (payments.ID, error) {

	id, err := n.payments.OnWithdrawalCreated(ctx, tx, amount, fees)
	if err != nil {
		return payments.ID{}, err
	}

	txid, err := n.broadcaster.BroadcastTransaction(ctx, tx)
	if err != nil {
		return id, err
	}

	return id, n.payments.OnWithdrawalBroadcasted(ctx, txid)
}

// DropWithdrawal fails a withdrawal that will never confirm, e.g. because it
// was evicted from every mempool.
func (n *Node) DropWithdrawal(ctx context.Context, txid chainhash.Hash) error {
	return n.payments.OnOnchainDropped(ctx, txid)
}
