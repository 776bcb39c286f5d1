package lnnode

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/build"
	"github.com/nodecore/lnnode/signal"
)

// SetupLogging creates the log handlers described by cfg, installs them in
// every subsystem and applies the configured debug levels. A critical log line
// from any subsystem sends shutdown. The returned writer must be closed on
// exit.
func SetupLogging(cfg *Config,
	shutdown *signal.Once) (*build.RotatingLogWriter, error) {

	rotator := build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		err := rotator.InitLogRotator(cfg.LogConfig.File, cfg.LogFile())
		if err != nil {
			return nil, fmt.Errorf("unable to initialize log "+
				"rotator: %w", err)
		}
	}

	handlers := build.NewDefaultLogHandlers(cfg.LogConfig, rotator)
	root := build.NewSubLoggerManager(handlers...)
	SetupLoggers(root, shutdown)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = rotator.Close()
		return nil, err
	}

	return rotator, nil
}

// Main is the entry point of an embedder: it sets up logging, starts a node
// around engine and runs it until shutdown is sent, either by the caller, by
// an OS signal routed through signal.Intercept, or by a fatal error inside the
// node.
func Main(cfg *Config, engine *Engine, shutdown *signal.Once) error {
	rotator, err := SetupLogging(cfg, shutdown)
	if err != nil {
		return err
	}
	defer func() {
		if err := rotator.Close(); err != nil {
			fmt.Printf("unable to close log rotator: %v\n", err)
		}
	}()

	ctx, cancel := shutdown.Clone().Context(context.Background())
	defer cancel()

	node, err := NewNode(ctx, cfg, engine, shutdown)
	if err != nil {
		log.Errorf("Unable to create node: %v", err)
		return err
	}
	defer func() {
		signal.NotifyStopping()

		if err := node.Stop(); err != nil {
			log.Errorf("Unable to stop node cleanly: %v", err)
		}
	}()

	if err := node.Start(ctx); err != nil {
		log.Errorf("Unable to start node: %v", err)
		return err
	}

	if err := signal.NotifyReady(); err != nil {
		return err
	}

	// Block until the node is asked to stop.
	return shutdown.Clone().Recv(context.Background())
}
