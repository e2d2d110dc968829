package arweave

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/ar-io/observer/protocol"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRequestTimeout = 15 * time.Second

	// Blocks are small; anything bigger than this is not a block.
	maxResponseBytes = 4 * 1024 * 1024
)

var (
	_ protocol.HeightSource = (*Client)(nil)
	_ protocol.BlockSource  = (*Client)(nil)
)

type ClientOpts struct {
	Logger logger.Logger
	// BaseURL of the Arweave node, e.g. https://arweave.net
	BaseURL        string
	HTTPClient     *http.Client
	MaxAttempts    int
	RequestTimeout time.Duration
	// Backoff between attempts. Zero value uses newRetryBackoff.
	Backoff *backoff.Backoff
}

// Client reads heights and blocks from an Arweave node over HTTP. Transient
// failures are retried here so that callers in the observer core never have
// to.
type Client struct {
	lggr           logger.Logger
	baseURL        string
	httpClient     *http.Client
	maxAttempts    int
	requestTimeout time.Duration
	newBackoff     func() *backoff.Backoff
}

func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for arweave client")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for arweave client")
	}
	c := &Client{
		lggr:           logger.Named(opts.Logger, "ArweaveClient"),
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		httpClient:     opts.HTTPClient,
		maxAttempts:    opts.MaxAttempts,
		requestTimeout: opts.RequestTimeout,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if opts.Backoff != nil {
		tmpl := *opts.Backoff
		c.newBackoff = func() *backoff.Backoff {
			b := tmpl
			return &b
		}
	} else {
		c.newBackoff = newRetryBackoff
	}
	return c, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	body, err := c.getWithRetry(ctx, "/height")
	if err != nil {
		return 0, fmt.Errorf("%w: %w", protocol.ErrUpstreamUnavailable, err)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid height %q: %w", protocol.ErrChainDataMalformed, body, err)
	}
	return h, nil
}

func (c *Client) BlockAt(ctx context.Context, height uint64) (protocol.Block, error) {
	body, err := c.getWithRetry(ctx, fmt.Sprintf("/block/height/%d", height))
	if err != nil {
		return protocol.Block{}, fmt.Errorf("%w: %w", protocol.ErrUpstreamUnavailable, err)
	}
	var b protocol.Block
	if err = json.Unmarshal(body, &b); err != nil {
		return protocol.Block{}, fmt.Errorf("%w: failed to decode block %d: %w", protocol.ErrChainDataMalformed, height, err)
	}
	if b.Height != height {
		return protocol.Block{}, fmt.Errorf("%w: requested block %d, got %d", protocol.ErrChainDataMalformed, height, b.Height)
	}
	return b, nil
}

// retryableError marks failures that are worth another attempt
type retryableError struct{ error }

func (e retryableError) Unwrap() error { return e.error }

func (c *Client) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	b := c.newBackoff()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.get(ctx, path)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var re retryableError
		if !errors.As(err, &re) || attempt == c.maxAttempts {
			break
		}
		wait := b.Duration()
		c.lggr.Debugw("Arweave request failed, retrying", "path", path, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "gave up on %s after %d attempts (last error: %v)", path, attempt, lastErr)
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retryableError{errors.Wrapf(err, "GET %s", path)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retryableError{errors.Wrapf(err, "GET %s: failed to read body", path)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retryableError{errors.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)}
	default:
		return nil, errors.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
}

func newRetryBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}
