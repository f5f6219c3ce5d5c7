package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashingEmbedder is a deterministic bag-of-words embedder: each token is
// hashed into one of dim buckets and the vector is L2-normalized. It needs
// no model or network and keeps similarity ranking stable, which makes it
// the default for tests and local development. Production deployments plug
// in a real Embedder.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 128
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
