// Package bgprocessor drives the protocol engine: it hands engine events to
// the event handler, runs the housekeeping timers and persists the channel
// manager, all from a single goroutine.
package bgprocessor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/nodecore/lnnode/events"
	"github.com/nodecore/lnnode/notify"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/testevent"
)

const (
	// DefaultProcessEventsInterval is the fallback interval between
	// processing passes when nothing wakes the processor.
	DefaultProcessEventsInterval = 60 * time.Second

	// DefaultPeerTickInterval is the interval of the peer manager's
	// housekeeping tick.
	DefaultPeerTickInterval = 15 * time.Second

	// DefaultChannelManagerTickInterval is the interval of the channel
	// manager's housekeeping tick.
	DefaultChannelManagerTickInterval = 60 * time.Second

	// finalPersistTimeout bounds the last persist on shutdown.
	finalPersistTimeout = 30 * time.Second

	// requestQueueSize is the number of queued ProcessNow requests.
	requestQueueSize = 32
)

// Initial timer delays. They are staggered so the timers don't all fire at
// once after boot.
const (
	processEventsDelay  = 100 * time.Millisecond
	peerTickDelay       = 200 * time.Millisecond
	channelManagerDelay = 300 * time.Millisecond
)

// ErrProcessorStopped is returned by ProcessNow once the processor exited.
var ErrProcessorStopped = errors.New("background processor stopped")

// EventHandler handles engine events. An error asks the engine to replay the
// event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// ChannelManager is the engine's channel state machine.
type ChannelManager interface {
	// WakeChan fires when events are pending or the manager has a
	// persistable update.
	WakeChan() <-chan struct{}

	// ProcessPendingEvents hands every pending event to h.
	ProcessPendingEvents(ctx context.Context, h EventHandler)

	// PersistenceNeeded reports and clears the dirty flag.
	PersistenceNeeded() bool

	// TimerTick runs the manager's housekeeping.
	TimerTick()
}

// ChainMonitor watches the chain on behalf of the channels.
type ChainMonitor interface {
	WakeChan() <-chan struct{}

	ProcessPendingEvents(ctx context.Context, h EventHandler)
}

// OnionMessenger routes onion messages.
type OnionMessenger interface {
	WakeChan() <-chan struct{}
}

// PeerManager drives the peer connections.
type PeerManager interface {
	// ProcessEvents flushes queued peer messages.
	ProcessEvents()

	// TimerTick pings peers and disconnects unresponsive ones.
	TimerTick()
}

// Persister persists the channel manager.
type Persister interface {
	PersistChannelManager(ctx context.Context) error
}

// Config houses the collaborators and parameters of a Processor.
type Config struct {
	ChannelManager ChannelManager

	ChainMonitor ChainMonitor

	// OnionMessenger is optional.
	OnionMessenger OnionMessenger

	PeerManager PeerManager

	Persister Persister

	EventHandler EventHandler

	ProcessEventsInterval time.Duration

	PeerTickInterval time.Duration

	ChannelManagerTickInterval time.Duration

	// StrictTimers starts every timer at boot instead of staggering them.
	StrictTimers bool

	Clock clock.Clock

	// Shutdown stops the processor. A fatal persistence failure sends it.
	Shutdown *signal.Once

	TestEvents *testevent.Sender

	// OnChannelManagerTick, if set, runs after every channel manager tick.
	OnChannelManagerTick func(ctx context.Context)

	// OnPass, if set, is called after every processing pass with the
	// channel manager persistence error, if any.
	OnPass func(elapsed time.Duration, err error)
}

// Processor runs the engine's event loop.
type Processor struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// wake requests a processing pass without waiting for it.
	wake *notify.Notifier

	// requests holds the waiters of ProcessNow.
	requests chan chan struct{}

	gm *fn.GoroutineManager

	exited chan struct{}
}

// New creates a Processor.
func New(cfg *Config) *Processor {
	if cfg.ProcessEventsInterval == 0 {
		cfg.ProcessEventsInterval = DefaultProcessEventsInterval
	}
	if cfg.PeerTickInterval == 0 {
		cfg.PeerTickInterval = DefaultPeerTickInterval
	}
	if cfg.ChannelManagerTickInterval == 0 {
		cfg.ChannelManagerTickInterval =
			DefaultChannelManagerTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = signal.NewOnce()
	}

	return &Processor{
		cfg:      cfg,
		wake:     notify.New(),
		requests: make(chan chan struct{}, requestQueueSize),
		gm:       fn.NewGoroutineManager(),
		exited:   make(chan struct{}),
	}
}

// Start launches the processing loop.
func (p *Processor) Start() error {
	p.started.Do(func() {
		log.Info("Background processor starting")

		if !p.gm.Go(context.Background(), p.run) {
			close(p.exited)
		}
	})

	return nil
}

// Stop stops the loop and waits for the final persist.
func (p *Processor) Stop() error {
	p.stopped.Do(func() {
		log.Info("Background processor shutting down...")
		defer log.Debug("Background processor shutdown complete")

		p.gm.Stop()
	})

	return nil
}

// Done is closed once the loop exited, either after shutdown or after a fatal
// persistence failure.
func (p *Processor) Done() <-chan struct{} {
	return p.exited
}

// Trigger requests a processing pass without waiting for it. Triggers sent
// before the pass starts coalesce.
func (p *Processor) Trigger() {
	p.wake.Send()
}

// ProcessNow requests a processing pass and waits until the pass handed all
// pending events to the event handler.
func (p *Processor) ProcessNow(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case p.requests <- done:
	case <-p.exited:
		return ErrProcessorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-p.exited:
		return ErrProcessorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialDelay returns the delay before the first firing of a timer.
func (p *Processor) initialDelay(staggered time.Duration) time.Duration {
	if p.cfg.StrictTimers {
		return 0
	}

	return staggered
}

// run is the processing loop. It must be run as a goroutine.
func (p *Processor) run(ctx context.Context) {
	defer close(p.exited)

	shutdown := p.cfg.Shutdown.Clone()
	clk := p.cfg.Clock

	var onionWake <-chan struct{}
	if p.cfg.OnionMessenger != nil {
		onionWake = p.cfg.OnionMessenger.WakeChan()
	}

	processTimer := clk.TickAfter(p.initialDelay(processEventsDelay))
	peerTimer := clk.TickAfter(p.initialDelay(peerTickDelay))
	cmTimer := clk.TickAfter(p.initialDelay(channelManagerDelay))

	var waiters []chan struct{}

loop:
	for {
		select {
		case <-processTimer:
			log.Trace("Process events timer fired")

		case <-p.cfg.ChannelManager.WakeChan():
			log.Trace("Woken by channel manager")

		case <-p.cfg.ChainMonitor.WakeChan():
			log.Trace("Woken by chain monitor")

		case <-onionWake:
			log.Trace("Woken by onion messenger")

		case <-p.wake.C():
			log.Trace("Processing triggered")

		case req := <-p.requests:
			waiters = append(waiters, req)

		case <-peerTimer:
			log.Debug("Peer manager timer tick")
			p.cfg.PeerManager.TimerTick()
			peerTimer = clk.TickAfter(p.cfg.PeerTickInterval)

			continue

		case <-cmTimer:
			log.Debug("Channel manager timer tick")
			p.cfg.ChannelManager.TimerTick()
			if p.cfg.OnChannelManagerTick != nil {
				p.cfg.OnChannelManagerTick(ctx)
			}
			cmTimer = clk.TickAfter(
				p.cfg.ChannelManagerTickInterval,
			)

			continue

		case <-shutdown.Done():
			shutdown.Observe()
			log.Info("Background processor received shutdown")

			break loop

		case <-ctx.Done():
			break loop
		}

		// Whatever triggered the pass, the fallback timer restarts and
		// every queued request is served by this pass.
		processTimer = clk.TickAfter(p.cfg.ProcessEventsInterval)
		p.wake.Clear()
		waiters = p.drainRequests(waiters)

		err := p.processPass(ctx, waiters)
		waiters = nil

		if err != nil {
			// A cancelled context means we are stopping, the final
			// persist below gets another chance.
			if ctx.Err() != nil {
				break loop
			}

			// Running on with a stale channel manager risks force
			// closes, so the whole node goes down.
			log.Criticalf("Channel manager persistence failed, "+
				"shutting down: %v", err)
			p.cfg.Shutdown.Send()

			break loop
		}
	}

	p.finalPersist()
}

// drainRequests appends every queued request to waiters.
func (p *Processor) drainRequests(waiters []chan struct{}) []chan struct{} {
	for {
		select {
		case req := <-p.requests:
			waiters = append(waiters, req)
		default:
			return waiters
		}
	}
}

// processPass hands the pending events to the event handler, acknowledges
// waiters and persists the channel manager if needed.
func (p *Processor) processPass(ctx context.Context,
	waiters []chan struct{}) error {

	start := p.cfg.Clock.Now()

	// The channel manager's events go first, then the chain monitor's.
	p.cfg.ChannelManager.ProcessPendingEvents(ctx, p.cfg.EventHandler)
	p.cfg.ChainMonitor.ProcessPendingEvents(ctx, p.cfg.EventHandler)
	p.cfg.PeerManager.ProcessEvents()

	for _, waiter := range waiters {
		close(waiter)
	}
	p.cfg.TestEvents.Send(testevent.EventsProcessed)

	var err error
	if p.cfg.ChannelManager.PersistenceNeeded() {
		log.Debug("Persisting channel manager")

		err = p.cfg.Persister.PersistChannelManager(ctx)
		if err == nil {
			p.cfg.TestEvents.Send(
				testevent.ChannelManagerPersisted,
			)
		}
	}

	if p.cfg.OnPass != nil {
		p.cfg.OnPass(p.cfg.Clock.Now().Sub(start), err)
	}

	return err
}

// finalPersist persists the channel manager one last time. Failure is only
// logged since the node is already going down.
func (p *Processor) finalPersist() {
	ctx, cancel := context.WithTimeout(
		context.Background(), finalPersistTimeout,
	)
	defer cancel()

	if err := p.cfg.Persister.PersistChannelManager(ctx); err != nil {
		log.Errorf("Final channel manager persistence failed: %v", err)
		return
	}

	log.Debug("Final channel manager persistence complete")
}
