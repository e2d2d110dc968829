// Package gateway fetches ArNS names from gateway hosts.
package gateway

import "context"

type Status string

const (
	StatusOK            Status = "ok"
	StatusTimeout       Status = "timeout"
	StatusNotFound      Status = "not_found"
	StatusProtocolError Status = "protocol_error"
)

// FetchResult is the outcome of resolving one name on one host. Failures are
// a Status, never an error.
type FetchResult struct {
	Host   string `json:"host"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	// StatusCode is the HTTP status, 0 if no response was received
	StatusCode int `json:"statusCode,omitempty"`
	// ResolvedID is the transaction ID the gateway resolved the name to
	ResolvedID string `json:"resolvedId,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
	// Digest is the hex SHA-256 of the response body
	Digest        string `json:"digest,omitempty"`
	ContentLength int64  `json:"contentLength,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
}

func (r FetchResult) OK() bool {
	return r.Status == StatusOK
}

type Fetcher interface {
	// Fetch never fails; failures are reported through FetchResult.Status.
	// Implementations must return promptly once ctx is done: a call that
	// outlives its report keeps holding one of the caller's fetch slots.
	Fetch(ctx context.Context, host, name string) FetchResult
}

// FetcherFunc adapts a function to a Fetcher
type FetcherFunc func(ctx context.Context, host, name string) FetchResult

func (f FetcherFunc) Fetch(ctx context.Context, host, name string) FetchResult {
	return f(ctx, host, name)
}
