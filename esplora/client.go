package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout is the default timeout of a single HTTP
	// request. Anything waiting on a broadcast must wait longer than this.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retries of a request
	// that failed at the transport level.
	DefaultMaxRetries = 2

	// DefaultRequestsPerSecond is the default request rate limit.
	DefaultRequestsPerSecond = 20

	// missingOrSpentReason is the reject reason bitcoind gives for a tx
	// whose inputs are unknown or already spent.
	missingOrSpentReason = "bad-txns-inputs-missingorspent"
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the API, without a trailing slash.
	URL string

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries of a request that failed at
	// the transport level.
	MaxRetries int

	// RequestsPerSecond limits the request rate. Zero means no limit.
	RequestsPerSecond float64
}

// DefaultClientConfig returns a config pointing at url with default limits.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		RequestTimeout:    DefaultRequestTimeout,
		MaxRetries:        DefaultMaxRetries,
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
}

// APIError is returned when the API answered with a non-200 status.
type APIError struct {
	StatusCode int
	Body       string
}

// Error returns the status code and the body returned by the API.
func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// IsSpentOrMissingInputs returns true if err is a broadcast rejection caused
// by inputs that are already spent or were never seen.
func IsSpentOrMissingInputs(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return strings.Contains(apiErr.Body, missingOrSpentReason)
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxVout represents a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// TxVin represents a transaction input.
type TxVin struct {
	TxID    string  `json:"txid"`
	Vout    uint32  `json:"vout"`
	PrevOut *TxVout `json:"prevout,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Fee    int64    `json:"fee"`
	Vin    []TxVin  `json:"vin"`
	Vout   []TxVout `json:"vout"`
	Status TxStatus `json:"status"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// OutSpend represents the spend status of an output.
type OutSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Vin    uint32   `json:"vin,omitempty"`
	Status TxStatus `json:"status,omitempty"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	limiter *rate.Limiter

	quitOnce sync.Once
	quit     chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		quit:    make(chan struct{}),
	}
}

// Stop shuts down the client. In-flight and future requests fail with
// ErrClientShutdown.
func (c *Client) Stop() {
	c.quitOnce.Do(func() {
		log.Info("Stopping Esplora client")
		close(c.quit)
	})
}

// Ping checks that the API is reachable, for use as a health check.
func (c *Client) Ping() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), c.cfg.RequestTimeout,
	)
	defer cancel()

	_, err := c.GetTipHeight(ctx)

	return err
}

// doRequest performs an HTTP request, retrying transport failures. The body
// is sent anew on every attempt.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Debugf("Request %v %v failed (attempt %d): %v",
				method, path, i+1, err)

			if i < c.cfg.MaxRetries {
				select {
				case <-time.After(time.Duration(i+1) * 100 *
					time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// readResponse reads the body and turns a non-200 status into an APIError.
func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	return body, nil
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	return readResponse(resp)
}

// getJSON performs a GET request and decodes the JSON response.
func getJSON[T any](ctx context.Context, c *Client, path string) (T, error) {
	var v T

	body, err := c.doGet(ctx, path)
	if err != nil {
		return v, err
	}

	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("failed to decode response: %w", err)
	}

	return v, nil
}

// notFound maps a 404 to the given sentinel error.
func notFound(err, sentinel error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return sentinel
	}

	return err
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (*chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid chainhash.Hash) (*TxStatus, error) {

	status, err := getJSON[TxStatus](ctx, c, "/tx/"+txid.String()+"/status")
	if err != nil {
		return nil, notFound(err, ErrTxNotFound)
	}

	return &status, nil
}

// GetTxOutSpend checks if a specific output is spent.
func (c *Client) GetTxOutSpend(ctx context.Context,
	op wire.OutPoint) (*OutSpend, error) {

	path := fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index)
	outSpend, err := getJSON[OutSpend](ctx, c, path)
	if err != nil {
		return nil, notFound(err, ErrTxNotFound)
	}

	return &outSpend, nil
}

// GetAddressTxs fetches the transactions of an address.
func (c *Client) GetAddressTxs(ctx context.Context,
	address string) ([]*TxInfo, error) {

	return getJSON[[]*TxInfo](ctx, c, "/address/"+address+"/txs")
}

// GetAddressUTXOs fetches unspent outputs for an address.
func (c *Client) GetAddressUTXOs(ctx context.Context,
	address string) ([]*UTXO, error) {

	return getJSON[[]*UTXO](ctx, c, "/address/"+address+"/utxo")
}

// GetFeeEstimates fetches fee estimates for the common confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	return getJSON[FeeEstimates](ctx, c, "/fee-estimates")
}

// GetRawTransactionMsgTx fetches and deserializes a transaction.
func (c *Client) GetRawTransactionMsgTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, notFound(err, ErrTxNotFound)
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

// BroadcastTx broadcasts a transaction and returns its txid as reported by
// the API.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, err
	}

	body, err := readResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("broadcast of %v failed: %w", tx.TxHash(),
			err)
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}
