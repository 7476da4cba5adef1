package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder derives deterministic vectors from text without a model.
// Each lowercased word seeds a pseudo-random direction and the word
// directions are summed, so texts sharing words land close together.
// It keeps the engine usable offline and in tests.
type HashEmbedder struct {
	dims int
}

// NewHash creates a hash embedder. dims <= 0 defaults to 256.
func NewHash(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	vec := make(Vector, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		f.Write([]byte(w))
		seed := f.Sum64()
		for i := range vec {
			// LCG step, mapped to [-1, 1].
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return Normalize(vec), nil
}

func (h *HashEmbedder) Dims() int { return h.dims }
