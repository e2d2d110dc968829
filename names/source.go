package names

import (
	"context"
	"fmt"

	"github.com/ar-io/observer/entropy"
)

// Source produces the names to test for an epoch
type Source interface {
	Names(ctx context.Context, height uint64) (Subset, error)
}

var _ Source = (*RandomSource)(nil)

type RandomSourceOpts struct {
	List    List
	Entropy entropy.Source
	Count   int
}

// RandomSource draws Count names from List, seeded by Entropy at the epoch
// height.
type RandomSource struct {
	list    List
	entropy entropy.Source
	count   int
}

func NewRandomSource(opts RandomSourceOpts) (*RandomSource, error) {
	if opts.List == nil {
		return nil, fmt.Errorf("name list is required")
	}
	if opts.Entropy == nil {
		return nil, fmt.Errorf("entropy source is required")
	}
	if opts.Count < 0 {
		return nil, fmt.Errorf("invalid name count %d", opts.Count)
	}
	// Static lists can be checked up front; dynamic ones only at selection
	if sl, ok := opts.List.(*StaticList); ok && opts.Count > sl.Len() {
		return nil, fmt.Errorf("%w: requested %d, list has %d", ErrInsufficientNames, opts.Count, sl.Len())
	}
	return &RandomSource{opts.List, opts.Entropy, opts.Count}, nil
}

func (s *RandomSource) Count() int {
	return s.count
}

func (s *RandomSource) Names(ctx context.Context, height uint64) (Subset, error) {
	list, err := s.list.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load name list: %w", err)
	}
	if _, static := s.list.(*StaticList); !static {
		list = normalize(list)
	}
	if s.count == 0 {
		return Subset{}, nil
	}
	if s.count > len(list) {
		return nil, fmt.Errorf("%w: requested %d, list has %d", ErrInsufficientNames, s.count, len(list))
	}
	seed, err := s.entropy.Entropy(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("failed to get entropy for height %d: %w", height, err)
	}
	return Select(list, seed, s.count)
}
