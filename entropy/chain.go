package entropy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ar-io/observer/protocol"
)

var _ Source = (*ChainSource)(nil)

// ChainSource derives entropy from the block at the requested height. Two
// observers asking for the same height always get the same value.
type ChainSource struct {
	blocks protocol.BlockSource
}

func NewChainSource(blocks protocol.BlockSource) *ChainSource {
	return &ChainSource{blocks}
}

// Entropy returns SHA-256(indep_hash || hash || nonce) over the decoded
// block fields. The field order and encoding must never change: observers
// rely on it to agree on prescribed names.
func (s *ChainSource) Entropy(ctx context.Context, height uint64) (Value, error) {
	b, err := s.blocks.BlockAt(ctx, height)
	if err != nil {
		if errors.Is(err, protocol.ErrUpstreamUnavailable) || errors.Is(err, protocol.ErrChainDataMalformed) {
			return nil, fmt.Errorf("failed to fetch block %d: %w", height, err)
		}
		return nil, fmt.Errorf("failed to fetch block %d: %w: %w", height, protocol.ErrUpstreamUnavailable, err)
	}
	return BlockEntropy(b)
}

// BlockEntropy is the pure reduction used by ChainSource
func BlockEntropy(b protocol.Block) (Value, error) {
	h := sha256.New()
	for _, f := range []struct {
		name, value string
	}{
		{"indep_hash", b.IndepHash},
		{"hash", b.Hash},
		{"nonce", b.Nonce},
	} {
		raw, err := decodeB64URL(f.value)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d field %s: %w", protocol.ErrChainDataMalformed, b.Height, f.name, err)
		}
		h.Write(raw)
	}
	return h.Sum(nil), nil
}

func decodeB64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty")
	}
	return raw, nil
}
