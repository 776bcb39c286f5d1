package lncfg

import (
	"fmt"
	"time"

	"github.com/nodecore/lnnode/bgprocessor"
)

// MinTimerInterval is the smallest accepted interval of any periodic timer.
const MinTimerInterval = 100 * time.Millisecond

// BgProc holds the timers of the background processor.
//
//nolint:lll
type BgProc struct {
	ProcessEventsInterval time.Duration `long:"processevents" description:"Interval between processing passes when nothing wakes the processor."`

	PeerTickInterval time.Duration `long:"peertick" description:"Interval of the peer manager's housekeeping tick."`

	ChannelManagerTickInterval time.Duration `long:"chanmgrtick" description:"Interval of the channel manager's housekeeping tick and the invoice expiry sweep."`

	StrictTimers bool `long:"stricttimers" description:"Start every timer immediately instead of staggering them after boot."`
}

// DefaultBgProcConfig returns the default background processor timers.
func DefaultBgProcConfig() *BgProc {
	return &BgProc{
		ProcessEventsInterval:      bgprocessor.DefaultProcessEventsInterval,
		PeerTickInterval:           bgprocessor.DefaultPeerTickInterval,
		ChannelManagerTickInterval: bgprocessor.DefaultChannelManagerTickInterval,
	}
}

// Validate checks that every interval is usable.
func (b *BgProc) Validate() error {
	intervals := []struct {
		name     string
		interval time.Duration
	}{
		{"bgproc.processevents", b.ProcessEventsInterval},
		{"bgproc.peertick", b.PeerTickInterval},
		{"bgproc.chanmgrtick", b.ChannelManagerTickInterval},
	}
	for _, i := range intervals {
		if i.interval < MinTimerInterval {
			return fmt.Errorf("%v must be at least %v", i.name,
				MinTimerInterval)
		}
	}

	return nil
}
