// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Heavily inspired by https://github.com/btcsuite/btcd/blob/master/signal.go
// Copyright (C) 2015-2017 The Lightning Network Developers

package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// ErrInterceptorStarted is returned when Intercept is called more than once.
var ErrInterceptorStarted = errors.New("signal interceptor already started")

// started guards against more than one interceptor per process, since
// signal.Notify would deliver each signal to only one of them.
var started atomic.Bool

// Interceptor turns OS interrupt signals and programmatic shutdown requests
// into a send on the node-wide shutdown signal.
type Interceptor struct {
	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownRequestChannel is used to request the node to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// shutdown is sent once the first interrupt or request arrives.
	shutdown *Once

	// quit is closed when the main interrupt handler exits.
	quit chan struct{}
}

// Intercept starts the main interrupt handler and returns an Interceptor
// that sends on shutdown when the process is asked to stop.
func Intercept(shutdown *Once) (*Interceptor, error) {
	if started.Swap(true) {
		return nil, ErrInterceptorStarted
	}

	i := &Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		shutdown:               shutdown.Clone(),
		quit:                   make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGABRT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(i.interruptChannel, signalsToCatch...)
	go i.mainInterruptHandler()

	return i, nil
}

// mainInterruptHandler listens for interrupt signals on the interruptChannel
// and shutdown requests on the shutdownRequestChannel. The first of either
// sends the shutdown signal. It must be run as a goroutine.
func (i *Interceptor) mainInterruptHandler() {
	defer close(i.quit)
	defer signal.Stop(i.interruptChannel)

	// isShutdown is used to log repeated requests after the first one.
	var isShutdown bool

	shutdown := func() {
		// Ignore more than one shutdown signal.
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		i.shutdown.Send()
	}

	for {
		select {
		case sig := <-i.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-i.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-i.shutdown.Done():
			i.shutdown.Observe()
			log.Infof("Gracefully shutting down.")
			return
		}
	}
}

// Alive returns true if the main interrupt handler has not exited.
func (i *Interceptor) Alive() bool {
	select {
	case <-i.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (i *Interceptor) RequestShutdown() {
	select {
	case i.shutdownRequestChannel <- struct{}{}:
	case <-i.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (i *Interceptor) ShutdownChannel() <-chan struct{} {
	return i.quit
}
