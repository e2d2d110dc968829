// Package names selects the ArNS names under test.
package names

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"

	"github.com/ar-io/observer/entropy"
)

// ErrInsufficientNames is returned when more names are requested than the
// list holds. It is a configuration error, not a transient one.
var ErrInsufficientNames = errors.New("insufficient names")

// selectionDomain separates the selection keystream from any other use of
// the same entropy.
const selectionDomain = "arns-name-selection"

// Subset is an ordered selection of distinct names
type Subset []string

// Select draws count distinct names from list, seeded by seed.
//
// The procedure is fixed and observers depend on it to agree on prescribed
// names; it must not change:
//
//  1. A keystream of 32-byte blocks HMAC-SHA256(seed, "arns-name-selection" || uint64be(i))
//     for i = 0, 1, ... is read 8 bytes at a time as big-endian uint64.
//  2. A partial Fisher-Yates shuffle over the indices 0..n-1: step k draws
//     j uniformly from [k, n) by rejection sampling and swaps idx[k], idx[j].
//  3. The result is list[idx[0]], ..., list[idx[count-1]].
func Select(list []string, seed entropy.Value, count int) (Subset, error) {
	if count < 0 {
		return nil, fmt.Errorf("invalid name count %d", count)
	}
	if count > len(list) {
		return nil, fmt.Errorf("%w: requested %d, list has %d", ErrInsufficientNames, count, len(list))
	}
	if count == 0 {
		return Subset{}, nil
	}
	if len(seed) == 0 {
		return nil, errors.New("empty selection seed")
	}

	n := len(list)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	ks := newKeystream(seed)
	for k := 0; k < count; k++ {
		j := k + int(ks.uniform(uint64(n-k)))
		idx[k], idx[j] = idx[j], idx[k]
	}

	out := make(Subset, count)
	for k := range out {
		out[k] = list[idx[k]]
	}
	return out, nil
}

type keystream struct {
	mac     hash.Hash
	counter uint64
	block   []byte
	off     int
}

func newKeystream(seed entropy.Value) *keystream {
	return &keystream{mac: hmac.New(sha256.New, seed)}
}

func (ks *keystream) next() uint64 {
	if ks.off+8 > len(ks.block) {
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], ks.counter)
		ks.counter++
		ks.mac.Reset()
		ks.mac.Write([]byte(selectionDomain))
		ks.mac.Write(ctr[:])
		ks.block = ks.mac.Sum(ks.block[:0])
		ks.off = 0
	}
	v := binary.BigEndian.Uint64(ks.block[ks.off:])
	ks.off += 8
	return v
}

// uniform returns a value in [0, m) without modulo bias
func (ks *keystream) uniform(m uint64) uint64 {
	if m <= 1 {
		return 0
	}
	limit := math.MaxUint64 - (math.MaxUint64 % m)
	for {
		r := ks.next()
		if r < limit {
			return r % m
		}
	}
}
