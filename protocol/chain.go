package protocol

import (
	"context"
	"errors"
)

var (
	// ErrUpstreamUnavailable is returned when the chain height or a block
	// could not be fetched. Names cannot be verifiably selected without it.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrChainDataMalformed is returned when a fetched block lacks the fields
	// required for entropy derivation. This usually means the node speaks a
	// different protocol version than we expect.
	ErrChainDataMalformed = errors.New("chain data malformed")
)

type HeightSource interface {
	// CurrentHeight returns the latest block height known to the node.
	CurrentHeight(ctx context.Context) (uint64, error)
}

type BlockSource interface {
	// BlockAt returns the canonical block at the given height.
	BlockAt(ctx context.Context, height uint64) (Block, error)
}

// Block carries the identifying fields of an Arweave block. Hash fields are
// kept in the node's base64url encoding; consumers decode as needed.
type Block struct {
	Height        uint64 `json:"height"`
	IndepHash     string `json:"indep_hash"`
	Hash          string `json:"hash"`
	Nonce         string `json:"nonce"`
	PreviousBlock string `json:"previous_block"`
	Timestamp     int64  `json:"timestamp"`
}
