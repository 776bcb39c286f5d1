package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
)

const (
	// DefaultResponseTimeout is how long BroadcastTransaction waits for
	// the broadcaster. It must exceed the chain client's request timeout
	// so that a slow backend surfaces as a chain error, not a timeout.
	DefaultResponseTimeout = 15 * time.Second

	// DefaultQueueSize is the capacity of the request queue.
	DefaultQueueSize = 64
)

// ChainClient sends transactions to the network.
type ChainClient interface {
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash,
		error)
}

// WalletView is told about every transaction that was broadcast.
type WalletView interface {
	TransactionBroadcasted(tx *wire.MsgTx)
}

// PreBroadcastHook runs before a transaction is broadcast. An error aborts
// the broadcast.
type PreBroadcastHook func(ctx context.Context, tx *wire.MsgTx) error

// Config houses the collaborators and parameters of a Broadcaster.
type Config struct {
	// Chain broadcasts the transactions.
	Chain ChainClient

	// Wallet is updated after every successful broadcast.
	Wallet WalletView

	// PreBroadcast is an optional hook run before each broadcast.
	PreBroadcast PreBroadcastHook

	// ResponseTimeout bounds BroadcastTransaction.
	ResponseTimeout time.Duration

	// QueueSize is the capacity of the request queue.
	QueueSize int

	// Shutdown stops the broadcaster when sent.
	Shutdown *signal.Once

	// TestEvents receives a TxBroadcasted event per broadcast.
	TestEvents *testevent.Sender

	// OnResult, if set, is called with the outcome of every broadcast.
	OnResult func(err error)
}

// Request is a single transaction waiting to be broadcast.
type Request struct {
	// Tx is the transaction to broadcast.
	Tx *wire.MsgTx

	// ID identifies the request in logs.
	ID uuid.UUID

	// Ctx carries the caller's logging attributes. The broadcast itself is
	// not bound to it.
	Ctx context.Context

	// Responder receives the outcome. It is closed without a value if the
	// broadcaster exits first. A nil Responder detaches the request.
	Responder chan fn.Result[chainhash.Hash]
}

// Broadcaster serializes all broadcasts of the node through a single
// goroutine. Both application code and the protocol engine's synchronous
// broadcast interface feed it.
type Broadcaster struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	requests chan *Request

	gm *fn.GoroutineManager

	// exited is closed once the actor goroutine returned and the queue was
	// drained.
	exited chan struct{}
}

// New creates a Broadcaster. Start must be called before it serves requests.
func New(cfg *Config) *Broadcaster {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = signal.NewOnce()
	}

	return &Broadcaster{
		cfg:      cfg,
		requests: make(chan *Request, cfg.QueueSize),
		gm:       fn.NewGoroutineManager(),
		exited:   make(chan struct{}),
	}
}

// Start launches the actor goroutine.
func (b *Broadcaster) Start() error {
	b.started.Do(func() {
		log.Info("Tx broadcaster starting")

		if !b.gm.Go(context.Background(), b.run) {
			close(b.exited)
		}
	})

	return nil
}

// Stop stops the actor goroutine and waits for it to exit.
func (b *Broadcaster) Stop() error {
	b.stopped.Do(func() {
		log.Info("Tx broadcaster shutting down...")
		defer log.Debug("Tx broadcaster shutdown complete")

		b.gm.Stop()
	})

	return nil
}

// run serves requests until the manager stops or shutdown is sent. It must be
// run as a goroutine.
func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.exited)
	defer b.drain()

	ctx, cancel := b.cfg.Shutdown.Context(ctx)
	defer cancel()

	for {
		select {
		case req := <-b.requests:
			// Shutdown may race with a queued request.
			if ctx.Err() != nil {
				b.dropRequest(req)
				return
			}

			b.handle(ctx, req)

		case <-ctx.Done():
			log.Debugf("Tx broadcaster exiting: %v",
				context.Cause(ctx))
			return
		}
	}
}

// drain drops all queued requests, closing their responders.
func (b *Broadcaster) drain() {
	for {
		select {
		case req := <-b.requests:
			b.dropRequest(req)

		default:
			return
		}
	}
}

// dropRequest closes the responder of a request that won't be served.
func (b *Broadcaster) dropRequest(req *Request) {
	log.Warnf("Dropping broadcast of %v on shutdown", req.Tx.TxHash())

	if req.Responder != nil {
		close(req.Responder)
	}
}

// handle broadcasts a single request and answers it.
func (b *Broadcaster) handle(ctx context.Context, req *Request) {
	txid := req.Tx.TxHash()
	logCtx := btclog.WithCtx(req.Ctx,
		slog.String("request_id", req.ID.String()),
		slog.String("txid", txid.String()),
	)

	result := b.broadcast(ctx, logCtx, req.Tx)

	if b.cfg.OnResult != nil {
		_, err := result.Unpack()
		b.cfg.OnResult(err)
	}

	if req.Responder == nil {
		return
	}

	// If shutdown interrupted the broadcast, the outcome is unknown and
	// the caller is told the request was dropped.
	if ctx.Err() != nil && result.IsErr() {
		close(req.Responder)
		return
	}

	// Responders are buffered so this never blocks.
	req.Responder <- result
}

// broadcast runs the hook, the broadcast and the wallet update.
func (b *Broadcaster) broadcast(ctx, logCtx context.Context,
	tx *wire.MsgTx) fn.Result[chainhash.Hash] {

	txid := tx.TxHash()

	if b.cfg.PreBroadcast != nil {
		if err := b.cfg.PreBroadcast(ctx, tx); err != nil {
			log.WarnS(logCtx, "Pre-broadcast hook rejected tx", err)

			return fn.Err[chainhash.Hash](&Error{
				Kind: KindHook,
				Txid: txid,
				Err:  err,
			})
		}
	}

	log.DebugS(logCtx, "Broadcasting tx")

	if _, err := b.cfg.Chain.BroadcastTx(ctx, tx); err != nil {
		log.ErrorS(logCtx, "Tx broadcast failed", err)

		return fn.Err[chainhash.Hash](&Error{
			Kind: KindChain,
			Txid: txid,
			Err:  err,
		})
	}

	// Apply the tx to the wallet right away so that its inputs aren't
	// spent again before the next sync.
	b.cfg.Wallet.TransactionBroadcasted(tx)

	log.InfoS(logCtx, "Tx broadcast succeeded")
	b.cfg.TestEvents.Send(testevent.TxBroadcasted)

	return fn.Ok(txid)
}

// enqueue places a request on the queue without blocking.
func (b *Broadcaster) enqueue(req *Request) error {
	select {
	case <-b.exited:
		return ErrBroadcasterStopped
	default:
	}

	select {
	case b.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// BroadcastTransaction broadcasts tx and waits for the outcome, bounded by the
// response timeout.
func (b *Broadcaster) BroadcastTransaction(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid := tx.TxHash()
	fail := func(kind ErrorKind, err error) (chainhash.Hash, error) {
		return chainhash.Hash{}, &Error{Kind: kind, Txid: txid, Err: err}
	}

	responder := make(chan fn.Result[chainhash.Hash], 1)
	req := &Request{
		Tx:        tx,
		ID:        uuid.New(),
		Ctx:       ctx,
		Responder: responder,
	}
	if err := b.enqueue(req); err != nil {
		return fail(KindQueue, err)
	}

	timeout := time.NewTimer(b.cfg.ResponseTimeout)
	defer timeout.Stop()

	// recv unpacks an answer, treating a closed responder as dropped.
	recv := func(res fn.Result[chainhash.Hash], ok bool) (chainhash.Hash,
		error) {

		if !ok {
			return fail(KindResponderDropped, ErrResponderDropped)
		}

		return res.Unpack()
	}

	select {
	case res, ok := <-responder:
		return recv(res, ok)

	case <-b.exited:
		// The actor may have answered right before exiting.
		select {
		case res, ok := <-responder:
			return recv(res, ok)
		default:
			return fail(KindResponderDropped, ErrResponderDropped)
		}

	case <-timeout.C:
		return fail(KindTimeout, ErrResponseTimeout)

	case <-ctx.Done():
		return fail(KindTimeout, ctx.Err())
	}
}

// BroadcastTransactions queues each transaction without waiting for the
// outcome. It is the protocol engine's synchronous broadcast interface and
// never blocks: a transaction that cannot be queued is logged and dropped.
func (b *Broadcaster) BroadcastTransactions(txs ...*wire.MsgTx) {
	for _, tx := range txs {
		req := &Request{
			Tx:  tx,
			ID:  uuid.New(),
			Ctx: context.Background(),
		}
		if err := b.enqueue(req); err != nil {
			log.Errorf("Unable to queue broadcast of %v: %v",
				tx.TxHash(), err)
		}
	}
}
