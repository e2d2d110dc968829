package entropy

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

var _ Source = (*CompositeSource)(nil)

// CompositeSource combines several sources into one value:
//
//	SHA-256(v_1 || v_2 || ... || v_k)
//
// over the values of the sources that succeeded, in configured order. A
// failing source is skipped; only when every source fails does the
// composite fail. The combination rule is fixed.
type CompositeSource struct {
	lggr    logger.Logger
	sources []Source
}

func NewCompositeSource(lggr logger.Logger, sources ...Source) (*CompositeSource, error) {
	if lggr == nil {
		return nil, fmt.Errorf("logger is required for composite entropy source")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("composite entropy source needs at least one source")
	}
	for i, s := range sources {
		if s == nil {
			return nil, fmt.Errorf("composite entropy source %d is nil", i)
		}
	}
	return &CompositeSource{
		lggr:    logger.Named(lggr, "CompositeEntropySource"),
		sources: append([]Source(nil), sources...),
	}, nil
}

func (c *CompositeSource) Entropy(ctx context.Context, height uint64) (Value, error) {
	h := sha256.New()
	var errs []error
	for i, src := range c.sources {
		v, err := src.Entropy(ctx, height)
		if err != nil {
			c.lggr.Warnw("Entropy source failed, skipping", "index", i, "height", height, "err", err)
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		h.Write(v)
	}
	if len(errs) == len(c.sources) {
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesUnavailable, errors.Join(errs...))
	}
	return h.Sum(nil), nil
}
