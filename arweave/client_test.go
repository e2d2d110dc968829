package arweave

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"

	"github.com/ar-io/observer/protocol"
)

func newTestClient(t *testing.T, url string) *Client {
	c, err := NewClient(ClientOpts{
		Logger:      logger.Test(t),
		BaseURL:     url,
		MaxAttempts: 3,
		Backoff:     &backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func Test_Client(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewClient(ClientOpts{Logger: logger.Test(t)})
		require.EqualError(t, err, "base URL is required for arweave client")
	})

	t.Run("CurrentHeight", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/height", r.URL.Path)
			fmt.Fprint(w, "1050\n")
		}))
		t.Cleanup(srv.Close)

		h, err := newTestClient(t, srv.URL).CurrentHeight(tests.Context(t))
		require.NoError(t, err)
		assert.Equal(t, uint64(1050), h)
	})

	t.Run("CurrentHeight with garbage body is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not a number")
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(t, srv.URL).CurrentHeight(tests.Context(t))
		require.ErrorIs(t, err, protocol.ErrChainDataMalformed)
	})

	t.Run("retries 5xx then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, "42")
		}))
		t.Cleanup(srv.Close)

		h, err := newTestClient(t, srv.URL).CurrentHeight(tests.Context(t))
		require.NoError(t, err)
		assert.Equal(t, uint64(42), h)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(t, srv.URL).CurrentHeight(tests.Context(t))
		require.ErrorIs(t, err, protocol.ErrUpstreamUnavailable)
		assert.Contains(t, err.Error(), "unexpected status 503")
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry 404", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(t, srv.URL).BlockAt(tests.Context(t), 1000)
		require.ErrorIs(t, err, protocol.ErrUpstreamUnavailable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("BlockAt decodes block", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/block/height/1000", r.URL.Path)
			fmt.Fprint(w, `{"height":1000,"indep_hash":"aW5kZXA","hash":"aGFzaA","nonce":"bm9uY2U","previous_block":"cHJldg","timestamp":1700000000,"txs":[]}`)
		}))
		t.Cleanup(srv.Close)

		b, err := newTestClient(t, srv.URL).BlockAt(tests.Context(t), 1000)
		require.NoError(t, err)
		assert.Equal(t, protocol.Block{
			Height:        1000,
			IndepHash:     "aW5kZXA",
			Hash:          "aGFzaA",
			Nonce:         "bm9uY2U",
			PreviousBlock: "cHJldg",
			Timestamp:     1700000000,
		}, b)
	})

	t.Run("BlockAt rejects height mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"height":999}`)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(t, srv.URL).BlockAt(tests.Context(t), 1000)
		require.ErrorIs(t, err, protocol.ErrChainDataMalformed)
		assert.Contains(t, err.Error(), "requested block 1000, got 999")
	})
}
