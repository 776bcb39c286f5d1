package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListen is the default address of the metrics endpoint.
	DefaultListen = "127.0.0.1:8989"

	readHeaderTimeout = 5 * time.Second
)

// Config configures the metrics endpoint.
type Config struct {
	Enable bool   `long:"enable" description:"Export Prometheus metrics"`
	Listen string `long:"listen" description:"The interface the Prometheus exporter listens on"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Listen: DefaultListen,
	}
}

// Exporter serves the node's metrics over HTTP.
type Exporter struct {
	server   *http.Server
	listener net.Listener
}

// ExportPrometheusMetrics starts serving m on the configured address. It
// returns nil if exporting is disabled.
func ExportPrometheusMetrics(cfg Config, m *Metrics) (*Exporter, error) {
	if !cfg.Enable {
		return nil, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.Registry(), promhttp.HandlerOpts{},
	))

	e := &Exporter{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: listener,
	}

	log.Infof("Prometheus exporter started on %v/metrics",
		listener.Addr())

	go func() {
		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down. It is a no-op on a nil Exporter.
func (e *Exporter) Stop(ctx context.Context) error {
	if e == nil {
		return nil
	}

	return e.server.Shutdown(ctx)
}
