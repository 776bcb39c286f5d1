package lncfg

import (
	"fmt"
	"time"

	"github.com/nodecore/lnnode/chainsync"
)

// DefaultFirstSyncTimeout bounds how long startup waits for the first pass
// of every sync task.
const DefaultFirstSyncTimeout = 2 * time.Minute

// Sync holds the options of the chain and wallet sync tasks.
//
//nolint:lll
type Sync struct {
	Interval time.Duration `long:"interval" description:"Interval between periodic sync passes."`

	Timeout time.Duration `long:"timeout" description:"Timeout of a single sync pass."`

	FirstSyncTimeout time.Duration `long:"firstsynctimeout" description:"How long startup waits for the first sync of the chain and the wallet."`
}

// DefaultSyncConfig returns the default sync options.
func DefaultSyncConfig() *Sync {
	return &Sync{
		Interval:         chainsync.DefaultInterval,
		Timeout:          chainsync.DefaultTimeout,
		FirstSyncTimeout: DefaultFirstSyncTimeout,
	}
}

// Validate checks the sync options.
func (s *Sync) Validate() error {
	if s.Interval < MinTimerInterval {
		return fmt.Errorf("sync.interval must be at least %v",
			MinTimerInterval)
	}

	if s.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}

	if s.FirstSyncTimeout < s.Timeout {
		return fmt.Errorf("sync.firstsynctimeout (%v) must not be "+
			"smaller than sync.timeout (%v)", s.FirstSyncTimeout,
			s.Timeout)
	}

	return nil
}
