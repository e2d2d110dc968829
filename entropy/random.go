package entropy

import (
	"context"
	"crypto/rand"
	"fmt"
)

var _ Source = RandomSource{}

// RandomSource returns fresh bytes from the operating system's CSPRNG on
// every call, ignoring the height.
type RandomSource struct{}

func (RandomSource) Entropy(context.Context, uint64) (Value, error) {
	v := make(Value, Size)
	if _, err := rand.Read(v); err != nil {
		// Exhausted or broken system randomness; nothing sensible can follow
		panic(fmt.Sprintf("failed to read system randomness: %v", err))
	}
	return v, nil
}
