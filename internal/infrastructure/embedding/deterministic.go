package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// DeterministicProvider derives a unit vector from the SHA-256 of the text.
// It stands in for a real model in development and tests; equal text gives
// equal vectors, unrelated text gives near-orthogonal ones.
type DeterministicProvider struct {
	dimension int
}

func NewDeterministicProvider(dimension int) *DeterministicProvider {
	if dimension <= 0 {
		dimension = DefaultConfig().Dimension
	}
	return &DeterministicProvider{dimension: dimension}
}

func (p *DeterministicProvider) Embed(ctx context.Context, text string) (domain.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16])))

	vector := make(domain.Embedding, p.dimension)
	var norm float64
	for i := range vector {
		v := rng.NormFloat64()
		vector[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector, nil
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector, nil
}
