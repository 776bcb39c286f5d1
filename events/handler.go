package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/nodecore/lnnode/payments"
	"github.com/nodecore/lnnode/signal"
)

// PaymentLedger is the part of the payment manager driven by engine events.
type PaymentLedger interface {
	OnClaimable(ctx context.Context, hash lntypes.Hash,
		amount lnwire.MilliSatoshi, purpose payments.Purpose) error

	OnClaimed(ctx context.Context, hash lntypes.Hash,
		amount lnwire.MilliSatoshi, purpose payments.Purpose) error

	OnSendCompleted(ctx context.Context, hash lntypes.Hash,
		preimage lntypes.Preimage, fees lnwire.MilliSatoshi) error

	OnSendFailed(ctx context.Context, hash lntypes.Hash,
		reason string) error
}

// Sweeper builds a signed transaction sweeping spendable outputs into the
// wallet.
type Sweeper interface {
	SweepSpendableOutputs(ctx context.Context,
		outputs []SpendableOutput) (*wire.MsgTx, error)
}

// Broadcaster broadcasts a transaction and waits for the outcome.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context,
		tx *wire.MsgTx) (chainhash.Hash, error)
}

// Forwarder forwards pending HTLCs.
type Forwarder interface {
	ProcessPendingHTLCForwards()
}

// HandlerConfig houses the collaborators of a Handler.
type HandlerConfig struct {
	Payments PaymentLedger

	Sweeper Sweeper

	Broadcaster Broadcaster

	Forwarder Forwarder

	Clock clock.Clock

	// Shutdown cancels scheduled forwards.
	Shutdown *signal.Once
}

// Handler handles the events released by the protocol engine. An error
// returned from HandleEvent asks the engine to replay the event later, so
// errors that a replay can't fix are logged and swallowed instead.
type Handler struct {
	started sync.Once
	stopped sync.Once

	cfg *HandlerConfig

	gm *fn.GoroutineManager
}

// NewHandler creates a Handler.
func NewHandler(cfg *HandlerConfig) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = signal.NewOnce()
	}

	return &Handler{
		cfg: cfg,
		gm:  fn.NewGoroutineManager(),
	}
}

// Stop cancels scheduled forwards and waits for them to exit.
func (h *Handler) Stop() {
	h.stopped.Do(func() {
		log.Debug("Event handler stopping")
		h.gm.Stop()
	})
}

// HandleEvent handles a single event.
func (h *Handler) HandleEvent(ctx context.Context, ev Event) error {
	ctx = btclog.WithCtx(ctx, slog.String("event", ev.Name()))
	log.DebugS(ctx, "Handling event")

	var err error
	switch ev := ev.(type) {
	case PaymentClaimable:
		err = h.cfg.Payments.OnClaimable(
			ctx, ev.Hash, ev.Amount, ev.Purpose,
		)

	case PaymentClaimed:
		err = h.cfg.Payments.OnClaimed(
			ctx, ev.Hash, ev.Amount, ev.Purpose,
		)

	case PaymentSent:
		err = h.cfg.Payments.OnSendCompleted(
			ctx, ev.Hash, ev.Preimage, ev.FeesPaid,
		)

	case PaymentFailed:
		reason := ev.Reason.UnwrapOr(FailureRetriesExhausted)
		err = h.cfg.Payments.OnSendFailed(ctx, ev.Hash, reason.String())

	case SpendableOutputs:
		err = h.sweep(ctx, ev)

	case ChannelClosed:
		log.InfoS(ctx, "Channel closed",
			slog.String("channel_id", ev.ChannelID.String()),
			slog.String("reason", ev.Reason),
			slog.Int64("capacity_sat", int64(ev.Capacity)))

	case PendingHTLCsForwardable:
		h.scheduleForwards(ev.TimeForwardable)

	default:
		log.ErrorS(ctx, "Unknown event type", nil,
			slog.String("type", fmt.Sprintf("%T", ev)))
	}

	return h.filterReplay(ctx, err)
}

// filterReplay decides which handling errors are returned for replay.
func (h *Handler) filterReplay(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil

	// A payment we don't know about points at a race with payment creation
	// or an engine bug. Replaying won't help, so it is only logged. A
	// critical line would take the node down.
	case errors.Is(err, payments.ErrUnknownPayment):
		log.ErrorS(ctx, "Event for unknown payment", err)
		return nil

	case errors.Is(err, payments.ErrAlreadyFinalized),
		errors.Is(err, payments.ErrInvalidTransition):

		log.WarnS(ctx, "Discarding event rejected by payment ledger",
			err)
		return nil
	}

	log.ErrorS(ctx, "Event handling failed, will replay", err)

	return err
}

// sweep sweeps spendable outputs to the wallet.
func (h *Handler) sweep(ctx context.Context, ev SpendableOutputs) error {
	if len(ev.Outputs) == 0 {
		return nil
	}

	ev.ChannelID.WhenSome(func(id lnwire.ChannelID) {
		log.InfoS(ctx, "Sweeping spendable outputs",
			slog.String("channel_id", id.String()),
			slog.Int("num_outputs", len(ev.Outputs)))
	})

	tx, err := h.cfg.Sweeper.SweepSpendableOutputs(ctx, ev.Outputs)
	if err != nil {
		return fmt.Errorf("unable to build sweep: %w", err)
	}

	txid, err := h.cfg.Broadcaster.BroadcastTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("unable to broadcast sweep: %w", err)
	}

	log.InfoS(ctx, "Swept spendable outputs",
		slog.String("txid", txid.String()))

	return nil
}

// scheduleForwards forwards pending HTLCs after delay, unless the handler
// stops first.
func (h *Handler) scheduleForwards(delay time.Duration) {
	ok := h.gm.Go(context.Background(), func(ctx context.Context) {
		ctx, cancel := h.cfg.Shutdown.Clone().Context(ctx)
		defer cancel()

		select {
		case <-h.cfg.Clock.TickAfter(delay):
			h.cfg.Forwarder.ProcessPendingHTLCForwards()

		case <-ctx.Done():
		}
	})
	if !ok {
		log.Debugf("Not forwarding HTLCs, handler stopped")
	}
}
