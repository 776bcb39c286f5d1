package lncfg

import (
	"errors"
	"time"

	"github.com/nodecore/lnnode/writeback"
)

// Writeback holds the options of the node state writeback store.
//
//nolint:lll
type Writeback struct {
	MinSpacing time.Duration `long:"minspacing" description:"Minimum time between two writes of the node state."`

	ShutdownTimeout time.Duration `long:"shutdowntimeout" description:"How long shutdown waits for the final write of the node state."`
}

// DefaultWritebackConfig returns the default writeback options.
func DefaultWritebackConfig() *Writeback {
	return &Writeback{
		MinSpacing:      writeback.DefaultMinSpacing,
		ShutdownTimeout: writeback.DefaultShutdownTimeout,
	}
}

// Validate checks the writeback options.
func (w *Writeback) Validate() error {
	if w.MinSpacing < 0 {
		return errors.New("writeback.minspacing must not be negative")
	}

	if w.ShutdownTimeout <= 0 {
		return errors.New("writeback.shutdowntimeout must be positive")
	}

	return nil
}
