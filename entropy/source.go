// Package entropy provides the byte sources that seed name selection.
//
// Chain-derived entropy is a pure function of public block data, so every
// observer computing it for the same epoch gets identical bytes. Local random
// entropy is only stable within one cache scope. Mixing both through a
// CompositeSource binds the chosen names to a value nobody can precompute.
package entropy

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Size is the length of every value produced by the built-in sources.
const Size = 32

var (
	// ErrAllSourcesUnavailable is returned by a CompositeSource when every
	// inner source failed.
	ErrAllSourcesUnavailable = errors.New("all entropy sources unavailable")
	// ErrCacheDegraded marks a persistence failure. It is never returned to
	// callers of CachedSource; the lookup falls through to the inner source.
	ErrCacheDegraded = errors.New("entropy cache degraded")
)

// Value is an opaque entropy byte string
type Value []byte

func (v Value) String() string {
	return hexutil.Encode(v)
}

func (v Value) Equal(o Value) bool {
	return bytes.Equal(v, o)
}

func (v Value) clone() Value {
	if v == nil {
		return nil
	}
	c := make(Value, len(v))
	copy(c, v)
	return c
}

type Source interface {
	// Entropy returns the entropy for the given epoch height. The height
	// doubles as the validity scope for sources that cache.
	Entropy(ctx context.Context, height uint64) (Value, error)
}

// SourceFunc adapts an ordinary function to a Source.
type SourceFunc func(ctx context.Context, height uint64) (Value, error)

func (f SourceFunc) Entropy(ctx context.Context, height uint64) (Value, error) {
	return f(ctx, height)
}
