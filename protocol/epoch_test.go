package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

type mockHeightSource struct {
	height uint64
	err    error
	calls  int
}

func (m *mockHeightSource) CurrentHeight(context.Context) (uint64, error) {
	m.calls++
	return m.height, m.err
}

func Test_EpochHeightSource(t *testing.T) {
	t.Run("rejects zero epoch length", func(t *testing.T) {
		_, err := NewEpochHeightSource(EpochHeightSourceOpts{HeightSource: &mockHeightSource{}})
		require.EqualError(t, err, "epoch length must be > 0")
	})
	t.Run("rejects nil height source", func(t *testing.T) {
		_, err := NewEpochHeightSource(EpochHeightSourceOpts{EpochLength: 100})
		require.EqualError(t, err, "height source is required")
	})
	t.Run("maps height to epoch start", func(t *testing.T) {
		ctx := tests.Context(t)
		hs := &mockHeightSource{height: 1050}
		s, err := NewEpochHeightSource(EpochHeightSourceOpts{HeightSource: hs, EpochLength: 100})
		require.NoError(t, err)

		h, err := s.CurrentEpochHeight(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), h)

		for _, tc := range []struct{ in, out uint64 }{
			{0, 0}, {99, 0}, {100, 100}, {1999, 1900}, {2000, 2000},
		} {
			assert.Equal(t, tc.out, s.EpochFor(tc.in), "height %d", tc.in)
		}
	})
	t.Run("memoizes within max age", func(t *testing.T) {
		ctx := tests.Context(t)
		now := time.Unix(1700000000, 0)
		hs := &mockHeightSource{height: 1050}
		s, err := NewEpochHeightSource(EpochHeightSourceOpts{
			HeightSource: hs,
			EpochLength:  100,
			MaxAge:       time.Minute,
			Now:          func() time.Time { return now },
		})
		require.NoError(t, err)

		_, err = s.CurrentEpochHeight(ctx)
		require.NoError(t, err)
		hs.height = 1150
		h, err := s.CurrentEpochHeight(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), h)
		assert.Equal(t, 1, hs.calls)

		now = now.Add(2 * time.Minute)
		h, err = s.CurrentEpochHeight(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1100), h)
		assert.Equal(t, 2, hs.calls)
	})
	t.Run("without max age always asks upstream", func(t *testing.T) {
		ctx := tests.Context(t)
		hs := &mockHeightSource{height: 7}
		s, err := NewEpochHeightSource(EpochHeightSourceOpts{HeightSource: hs, EpochLength: 5})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = s.CurrentEpochHeight(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, hs.calls)
	})
	t.Run("upstream failure is UpstreamUnavailable", func(t *testing.T) {
		ctx := tests.Context(t)
		hs := &mockHeightSource{err: errors.New("connection refused")}
		s, err := NewEpochHeightSource(EpochHeightSourceOpts{HeightSource: hs, EpochLength: 100})
		require.NoError(t, err)

		_, err = s.CurrentEpochHeight(ctx)
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, 1, hs.calls)
	})
}
