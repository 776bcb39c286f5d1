package lncfg

import (
	"errors"
	"time"

	"github.com/nodecore/lnnode/broadcast"
)

// Broadcast holds the options of the transaction broadcaster.
//
//nolint:lll
type Broadcast struct {
	ResponseTimeout time.Duration `long:"responsetimeout" description:"How long a broadcast waits for its result. Must exceed esplora.requesttimeout."`

	QueueSize int `long:"queuesize" description:"Number of transactions that can wait to be broadcast."`
}

// DefaultBroadcastConfig returns the default broadcaster options.
func DefaultBroadcastConfig() *Broadcast {
	return &Broadcast{
		ResponseTimeout: broadcast.DefaultResponseTimeout,
		QueueSize:       broadcast.DefaultQueueSize,
	}
}

// Validate checks the broadcaster options. The relation to the chain client's
// timeout is checked by the node config.
func (b *Broadcast) Validate() error {
	if b.ResponseTimeout <= 0 {
		return errors.New("broadcast.responsetimeout must be positive")
	}

	if b.QueueSize < 1 {
		return errors.New("broadcast.queuesize must be at least 1")
	}

	return nil
}
