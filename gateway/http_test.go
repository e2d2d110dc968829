package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

func newTestServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/") {
		case "ardrive":
			w.Header().Set(HeaderResolvedID, "tx-1")
			w.Header().Set(HeaderTTLSeconds, "3600")
			fmt.Fprint(w, "hello")
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		case "huge":
			fmt.Fprint(w, strings.Repeat("x", 64))
		case "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, srv *httptest.Server) *HTTPFetcher {
	f, err := NewHTTPFetcher(HTTPFetcherOpts{
		Logger:         logger.Test(t),
		RequestTimeout: 100 * time.Millisecond,
		MaxBodyBytes:   32,
		URLFunc: func(_, _, name string) string {
			return srv.URL + "/" + name
		},
	})
	require.NoError(t, err)
	return f
}

func Test_HTTPFetcher(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher(t, srv)

	t.Run("ok", func(t *testing.T) {
		res := f.Fetch(tests.Context(t), "gw.example", "ardrive")
		sum := sha256.Sum256([]byte("hello"))
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, "gw.example", res.Host)
		assert.Equal(t, "ardrive", res.Name)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "tx-1", res.ResolvedID)
		assert.Equal(t, int64(3600), res.TTLSeconds)
		assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
		assert.Equal(t, int64(5), res.ContentLength)
		assert.Empty(t, res.Error)
	})
	t.Run("not found", func(t *testing.T) {
		res := f.Fetch(tests.Context(t), "gw.example", "missing")
		assert.Equal(t, StatusNotFound, res.Status)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})
	t.Run("bad status is a protocol error", func(t *testing.T) {
		res := f.Fetch(tests.Context(t), "gw.example", "broken")
		assert.Equal(t, StatusProtocolError, res.Status)
		assert.Equal(t, "unexpected status 502", res.Error)
	})
	t.Run("oversized body is a protocol error", func(t *testing.T) {
		res := f.Fetch(tests.Context(t), "gw.example", "huge")
		assert.Equal(t, StatusProtocolError, res.Status)
		assert.Equal(t, "body exceeds 32 bytes", res.Error)
	})
	t.Run("slow host times out", func(t *testing.T) {
		res := f.Fetch(tests.Context(t), "gw.example", "slow")
		assert.Equal(t, StatusTimeout, res.Status)
		assert.NotEmpty(t, res.Error)
	})
	t.Run("unreachable host is a protocol error", func(t *testing.T) {
		f, err := NewHTTPFetcher(HTTPFetcherOpts{
			Logger: logger.Test(t),
			URLFunc: func(_, _, _ string) string {
				return "http://127.0.0.1:1/"
			},
		})
		require.NoError(t, err)
		res := f.Fetch(tests.Context(t), "gw.example", "ardrive")
		assert.Equal(t, StatusProtocolError, res.Status)
		assert.Zero(t, res.StatusCode)
	})
}

func Test_SubdomainURL(t *testing.T) {
	assert.Equal(t, "https://ardrive.arweave.dev/", SubdomainURL("https", "arweave.dev", "ardrive"))
}
