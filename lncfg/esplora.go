package lncfg

import (
	"errors"
	"fmt"
	"time"

	"github.com/nodecore/lnnode/esplora"
)

const (
	// DefaultEsploraURL is the API the node syncs from unless configured.
	DefaultEsploraURL = "https://blockstream.info/api"

	// MinEsploraRequestTimeout is the smallest accepted request timeout.
	MinEsploraRequestTimeout = time.Second
)

// Esplora holds the configuration options for the node's connection to an
// Esplora HTTP API server (e.g., mempool.space, blockstream.info, or a local
// electrs instance).
//
//nolint:lll
type Esplora struct {
	// URL is the base URL of the Esplora API to connect to.
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	// RequestTimeout is the timeout for HTTP requests sent to the Esplora
	// API. Transaction broadcasts wait strictly longer than this.
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	// MaxRetries is the maximum number of times to retry a request that
	// failed to reach the API.
	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	// RequestsPerSecond limits the request rate. Zero means no limit.
	RequestsPerSecond float64 `long:"rps" description:"Maximum number of requests per second sent to the API (0 for no limit)."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		URL:               DefaultEsploraURL,
		RequestTimeout:    esplora.DefaultRequestTimeout,
		MaxRetries:        esplora.DefaultMaxRetries,
		RequestsPerSecond: esplora.DefaultRequestsPerSecond,
	}
}

// Validate checks the Esplora options.
func (e *Esplora) Validate() error {
	if e.URL == "" {
		return errors.New("esplora.url must be set")
	}

	if e.RequestTimeout < MinEsploraRequestTimeout {
		return fmt.Errorf("esplora.requesttimeout must be at least %v",
			MinEsploraRequestTimeout)
	}

	if e.MaxRetries < 0 {
		return errors.New("esplora.maxretries must not be negative")
	}

	if e.RequestsPerSecond < 0 {
		return errors.New("esplora.rps must not be negative")
	}

	return nil
}

// ClientConfig returns the client configuration these options describe.
func (e *Esplora) ClientConfig() *esplora.ClientConfig {
	return &esplora.ClientConfig{
		URL:               e.URL,
		RequestTimeout:    e.RequestTimeout,
		MaxRetries:        e.MaxRetries,
		RequestsPerSecond: e.RequestsPerSecond,
	}
}
