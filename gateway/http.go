package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 * 1024 * 1024

	HeaderResolvedID = "X-ArNS-Resolved-Id"
	HeaderTTLSeconds = "X-ArNS-TTL-Seconds"
)

var (
	promFetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "observer",
		Subsystem: "gateway",
		Name:      "fetch_count",
		Help:      "Number of ArNS name fetches by host and status",
	},
		[]string{"host", "status"},
	)
	promFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "observer",
		Subsystem: "gateway",
		Name:      "fetch_duration_ms",
		Help:      "Duration of ArNS name fetches in milliseconds",
		Buckets: []float64{
			50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000,
		},
	},
		[]string{"host"},
	)
)

var _ Fetcher = (*HTTPFetcher)(nil)

type HTTPFetcherOpts struct {
	Logger     logger.Logger
	HTTPClient *http.Client
	// Scheme defaults to https
	Scheme         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// URLFunc overrides how a name is addressed on a host. Defaults to
	// <scheme>://<name>.<host>/
	URLFunc func(scheme, host, name string) string
}

type HTTPFetcher struct {
	lggr           logger.Logger
	client         *http.Client
	scheme         string
	requestTimeout time.Duration
	maxBodyBytes   int64
	urlFunc        func(scheme, host, name string) string
}

func NewHTTPFetcher(opts HTTPFetcherOpts) (*HTTPFetcher, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for gateway fetcher")
	}
	f := &HTTPFetcher{
		lggr:           logger.Named(opts.Logger, "GatewayFetcher"),
		client:         opts.HTTPClient,
		scheme:         opts.Scheme,
		requestTimeout: opts.RequestTimeout,
		maxBodyBytes:   opts.MaxBodyBytes,
		urlFunc:        opts.URLFunc,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.scheme == "" {
		f.scheme = "https"
	}
	if f.requestTimeout <= 0 {
		f.requestTimeout = DefaultRequestTimeout
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = DefaultMaxBodyBytes
	}
	if f.urlFunc == nil {
		f.urlFunc = SubdomainURL
	}
	return f, nil
}

// SubdomainURL addresses an ArNS name as a subdomain of the gateway host
func SubdomainURL(scheme, host, name string) string {
	return fmt.Sprintf("%s://%s.%s/", scheme, name, host)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, host, name string) (res FetchResult) {
	start := time.Now()
	res = FetchResult{Host: host, Name: name}
	defer func() {
		elapsed := time.Since(start)
		res.LatencyMs = elapsed.Milliseconds()
		promFetchCount.WithLabelValues(host, string(res.Status)).Inc()
		promFetchDuration.WithLabelValues(host).Observe(float64(elapsed.Milliseconds()))
		if !res.OK() {
			f.lggr.Debugw("Gateway fetch failed", "host", host, "name", name, "status", res.Status, "statusCode", res.StatusCode, "err", res.Error)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.urlFunc(f.scheme, host, name), nil)
	if err != nil {
		res.Status, res.Error = StatusProtocolError, err.Error()
		return
	}
	resp, err := f.client.Do(req)
	if err != nil {
		res.Status, res.Error = classify(err), err.Error()
		return
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ResolvedID = resp.Header.Get(HeaderResolvedID)
	if ttl := resp.Header.Get(HeaderTTLSeconds); ttl != "" {
		if v, perr := strconv.ParseInt(ttl, 10, 64); perr == nil {
			res.TTLSeconds = v
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		res.Status = StatusNotFound
		return
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		res.Status, res.Error = StatusProtocolError, fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return
	}

	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		res.Status, res.Error = classify(err), fmt.Sprintf("failed to read body: %v", err)
		return
	}
	if n > f.maxBodyBytes {
		res.Status, res.Error = StatusProtocolError, fmt.Sprintf("body exceeds %d bytes", f.maxBodyBytes)
		return
	}
	res.Status = StatusOK
	res.ContentLength = n
	res.Digest = hex.EncodeToString(h.Sum(nil))
	return
}

func classify(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StatusTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return StatusTimeout
	}
	return StatusProtocolError
}
