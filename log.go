package lnnode

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/build"
	"github.com/nodecore/lnnode/bgprocessor"
	"github.com/nodecore/lnnode/broadcast"
	"github.com/nodecore/lnnode/chainsync"
	"github.com/nodecore/lnnode/esplora"
	"github.com/nodecore/lnnode/events"
	"github.com/nodecore/lnnode/monitoring"
	"github.com/nodecore/lnnode/payments"
	"github.com/nodecore/lnnode/signal"
	"github.com/nodecore/lnnode/wallet"
	"github.com/nodecore/lnnode/writeback"
)

// Subsystem is the logging code of the node wiring itself.
const Subsystem = "NODE"

// log is the node's own logger. It is replaced by SetupLoggers.
var log = build.NewSubLogger(Subsystem, nil)

// genSubLogger returns a constructor for subsystem loggers. A critical log
// line written through any of them sends shutdown.
func genSubLogger(root *build.SubLoggerManager,
	shutdown *signal.Once) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown.Send)
	}
}

// SetupLoggers installs a logger from root in every subsystem of the node.
// When adding a subsystem, add it here too.
func SetupLoggers(root *build.SubLoggerManager, shutdown *signal.Once) {
	log = build.NewSubLogger(Subsystem, genSubLogger(root, shutdown))
	root.RegisterSubLogger(Subsystem, log)

	AddSubLogger(root, signal.Subsystem, shutdown, signal.UseLogger)
	AddSubLogger(root, writeback.Subsystem, shutdown, writeback.UseLogger)
	AddSubLogger(root, esplora.Subsystem, shutdown, esplora.UseLogger)
	AddSubLogger(root, wallet.Subsystem, shutdown, wallet.UseLogger)
	AddSubLogger(root, broadcast.Subsystem, shutdown, broadcast.UseLogger)
	AddSubLogger(root, chainsync.Subsystem, shutdown, chainsync.UseLogger)
	AddSubLogger(root, payments.Subsystem, shutdown, payments.UseLogger)
	AddSubLogger(root, events.Subsystem, shutdown, events.UseLogger)
	AddSubLogger(
		root, bgprocessor.Subsystem, shutdown, bgprocessor.UseLogger,
	)
	AddSubLogger(
		root, monitoring.Subsystem, shutdown, monitoring.UseLogger,
	)
}

// AddSubLogger creates the logger of subsystem, registers it with root and
// hands it to the subsystem's UseLogger functions.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	shutdown *signal.Once, useLoggers ...func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, genSubLogger(root, shutdown))
	root.RegisterSubLogger(subsystem, logger)

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// they don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// spewClosure lazily dumps v for debug logs.
func spewClosure(v any) logClosure {
	return newLogClosure(func() string {
		return spew.Sdump(v)
	})
}
