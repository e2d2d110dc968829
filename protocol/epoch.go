package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultEpochHeightMaxAge = time.Minute

type EpochHeightSourceOpts struct {
	HeightSource HeightSource
	// EpochLength is the number of blocks in one epoch. Must be > 0.
	EpochLength uint64
	// MaxAge bounds how long a computed epoch height is reused before the
	// height source is asked again. Zero disables memoization.
	MaxAge time.Duration
	// Now is used in tests
	Now func() time.Time
}

// EpochHeightSource maps the latest chain height onto the first height of
// the epoch containing it.
type EpochHeightSource struct {
	heightSource HeightSource
	epochLength  uint64
	maxAge       time.Duration
	now          func() time.Time

	mu         sync.Mutex
	lastEpoch  uint64
	computedAt time.Time
	valid      bool
}

func NewEpochHeightSource(opts EpochHeightSourceOpts) (*EpochHeightSource, error) {
	if opts.HeightSource == nil {
		return nil, errors.New("height source is required")
	}
	if opts.EpochLength == 0 {
		return nil, errors.New("epoch length must be > 0")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &EpochHeightSource{
		heightSource: opts.HeightSource,
		epochLength:  opts.EpochLength,
		maxAge:       opts.MaxAge,
		now:          now,
	}, nil
}

func (s *EpochHeightSource) EpochLength() uint64 {
	return s.epochLength
}

// EpochFor returns the start height of the epoch containing h.
func (s *EpochHeightSource) EpochFor(h uint64) uint64 {
	return h - (h % s.epochLength)
}

// CurrentEpochHeight does not retry; retry policy belongs to the height
// source.
func (s *EpochHeightSource) CurrentEpochHeight(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && s.maxAge > 0 && s.now().Sub(s.computedAt) < s.maxAge {
		return s.lastEpoch, nil
	}

	h, err := s.heightSource.CurrentHeight(ctx)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return 0, fmt.Errorf("failed to fetch current height: %w", err)
		}
		return 0, fmt.Errorf("failed to fetch current height: %w: %w", ErrUpstreamUnavailable, err)
	}

	s.lastEpoch = s.EpochFor(h)
	s.computedAt = s.now()
	s.valid = true
	return s.lastEpoch, nil
}

// CurrentHeight lets an EpochHeightSource stand in anywhere a HeightSource is
// expected, reporting epoch heights instead of raw heights.
func (s *EpochHeightSource) CurrentHeight(ctx context.Context) (uint64, error) {
	return s.CurrentEpochHeight(ctx)
}
