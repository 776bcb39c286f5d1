package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nodecore/lnnode/notify"
	"github.com/nodecore/lnnode/signal"
)

const (
	// DefaultMinSpacing is the minimum time between two writes of the same
	// document. Updates made in between coalesce into a single write.
	DefaultMinSpacing = 500 * time.Millisecond

	// DefaultShutdownTimeout bounds how long Shutdown waits for the final
	// write.
	DefaultShutdownTimeout = time.Second
)

var (
	// ErrShutdownTwice is returned when Shutdown is called more than once.
	ErrShutdownTwice = errors.New("writeback db shutdown called twice")

	// ErrShutdownTimeout is returned when the persister did not finish its
	// final write within the shutdown timeout.
	ErrShutdownTimeout = errors.New("timed out waiting for writeback " +
		"persister to exit")
)

// Document is a value that can be kept in a DB. D is expected to be a pointer
// type that encodes to and decodes from JSON.
type Document[D any] interface {
	Merger[D]

	// Clone returns a deep copy.
	Clone() D
}

// Validator is optionally implemented by documents that can reject a decoded
// value, for example one written with another schema version.
type Validator interface {
	Validate() error
}

// Config houses the parameters of a DB.
type Config struct {
	// Name identifies the document in logs.
	Name string

	// MinSpacing is the minimum time between two writes.
	MinSpacing time.Duration

	// ShutdownTimeout bounds the final write on Shutdown.
	ShutdownTimeout time.Duration

	// Clock drives the spacing timer.
	Clock clock.Clock

	// OnPersist, if set, is called after every write attempt.
	OnPersist func(err error)
}

// DefaultConfig returns a Config with the default timings.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MinSpacing:      DefaultMinSpacing,
		ShutdownTimeout: DefaultShutdownTimeout,
		Clock:           clock.NewDefaultClock(),
	}
}

// DB keeps a document in memory and writes it back to a Store in the
// background. Mutations are applied synchronously and return without waiting
// for the write. Bursts of mutations coalesce into one write, and at most one
// write is in flight at any time.
type DB[D Document[D]] struct {
	cfg   *Config
	store Store

	// mu guards value. It is never held across a store write.
	mu    sync.Mutex
	value D

	// persistReq wakes the persister when value changed.
	persistReq *notify.Notifier

	// shutdown stops the persister.
	shutdown *signal.Once

	// done is closed once the persister exited.
	done chan struct{}

	shutdownCalled atomic.Bool
}

// Load reads the document from the store and starts the persister. A missing
// or unreadable document falls back to defaultValue. A decoded document that
// fails validation is a fatal error.
func Load[D Document[D]](ctx context.Context, cfg *Config, store Store,
	defaultValue func() D) (*DB[D], error) {

	value, err := load(ctx, cfg.Name, store, defaultValue)
	if err != nil {
		return nil, err
	}

	db := &DB[D]{
		cfg:        cfg,
		store:      store,
		value:      value,
		persistReq: notify.New(),
		shutdown:   signal.NewOnce(),
		done:       make(chan struct{}),
	}

	go db.persister(db.shutdown.Clone())

	return db, nil
}

// load decodes the stored document or returns the default one.
func load[D Document[D]](ctx context.Context, name string, store Store,
	defaultValue func() D) (D, error) {

	data, err := store.Read(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Infof("No persisted %v found, using defaults", name)
		return defaultValue(), nil

	case err != nil:
		log.Warnf("Unable to read %v, using defaults: %v", name, err)
		return defaultValue(), nil
	}

	value := defaultValue()
	if err := json.Unmarshal(data, value); err != nil {
		log.Warnf("Unable to decode %v, using defaults: %v", name, err)
		return defaultValue(), nil
	}

	if v, ok := any(value).(Validator); ok {
		if err := v.Validate(); err != nil {
			return value, fmt.Errorf("invalid persisted %v: %w",
				name, err)
		}
	}

	return value, nil
}

// Read returns a copy of the current in-memory document.
func (d *DB[D]) Read() D {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.value.Clone()
}

// Update merges patch into the in-memory document and schedules a write. The
// document is left untouched if the merge fails.
func (d *DB[D]) Update(patch D) error {
	d.mu.Lock()
	next := d.value.Clone()
	if err := next.Merge(patch); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("unable to merge %v update: %w", d.cfg.Name,
			err)
	}
	d.value = next
	d.mu.Unlock()

	d.persistReq.Send()

	return nil
}

// Reset replaces the in-memory document and schedules a write.
func (d *DB[D]) Reset(value D) {
	d.mu.Lock()
	d.value = value
	d.mu.Unlock()

	d.persistReq.Send()
}

// Shutdown stops the persister after it wrote out any pending change. It
// waits at most the configured shutdown timeout. Calling Shutdown twice is a
// programmer error.
func (d *DB[D]) Shutdown() error {
	if d.shutdownCalled.Swap(true) {
		if build.IsDevBuild() {
			panic(ErrShutdownTwice)
		}

		log.Errorf("Shutdown called twice on %v", d.cfg.Name)

		return ErrShutdownTwice
	}

	d.shutdown.Send()

	select {
	case <-d.done:
		return nil

	case <-time.After(d.cfg.ShutdownTimeout):
		return fmt.Errorf("%v: %w", d.cfg.Name, ErrShutdownTimeout)
	}
}

// persister writes the document whenever it changed, waiting at least the
// minimum spacing between writes. It must be run as a goroutine.
func (d *DB[D]) persister(shutdown *signal.Once) {
	defer close(d.done)

	// finalFlush writes out a change that arrived before shutdown.
	finalFlush := func() {
		shutdown.Observe()

		if d.persistReq.TryRecv() {
			d.persist()
		}

		log.Debugf("Persister for %v exited", d.cfg.Name)
	}

	for {
		select {
		case <-d.persistReq.C():

		case <-shutdown.Done():
			finalFlush()
			return
		}

		d.persist()

		select {
		case <-d.cfg.Clock.TickAfter(d.cfg.MinSpacing):

		case <-shutdown.Done():
			finalFlush()
			return
		}
	}
}

// persist serializes the document under the lock and writes it without it.
func (d *DB[D]) persist() {
	d.mu.Lock()
	data, err := json.MarshalIndent(d.value, "", "  ")
	d.mu.Unlock()

	if err == nil {
		err = d.store.Write(context.Background(), data)
	}

	if err != nil {
		log.Errorf("Unable to persist %v: %v", d.cfg.Name, err)
	} else {
		log.Tracef("Persisted %v (%d bytes)", d.cfg.Name, len(data))
	}

	if d.cfg.OnPersist != nil {
		d.cfg.OnPersist(err)
	}
}
