package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// Index is an in-process cosine similarity index keyed by passage point id.
// It serves development setups and tests; contents do not survive a restart.
type Index struct {
	dimension int

	mu     sync.RWMutex
	points map[string]domain.IndexedPassage
}

func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		points:    make(map[string]domain.IndexedPassage),
	}
}

func (i *Index) Upsert(_ context.Context, passages []domain.IndexedPassage) error {
	for _, p := range passages {
		if i.dimension > 0 && len(p.Vector) != i.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "memory upsert",
				fmt.Errorf("passage %s/%d has %d values, want %d", p.DocID, p.ChunkIndex, len(p.Vector), i.dimension))
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range passages {
		stored := p
		stored.Vector = append(domain.Embedding(nil), p.Vector...)
		stored.Metadata = p.Metadata.Clone()
		i.points[domain.PointID(p.DocID, p.ChunkIndex)] = stored
	}
	return nil
}

func (i *Index) Search(_ context.Context, vector domain.Embedding, k int) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	out := make([]domain.Candidate, 0, len(i.points))
	for id, p := range i.points {
		if len(p.Vector) != len(vector) {
			continue
		}
		out = append(out, domain.Candidate{
			ID:         id,
			DocID:      p.DocID,
			ChunkIndex: p.ChunkIndex,
			Text:       p.Text,
			Score:      cosine(vector, p.Vector),
			Metadata:   p.Metadata.Clone(),
		})
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		if out[a].DocID != out[b].DocID {
			return out[a].DocID < out[b].DocID
		}
		return out[a].ChunkIndex < out[b].ChunkIndex
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (i *Index) DeleteDocument(_ context.Context, docID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, p := range i.points {
		if p.DocID == docID {
			delete(i.points, id)
		}
	}
	return nil
}

func (i *Index) DeleteOlderGenerations(_ context.Context, docID string, keep int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, p := range i.points {
		if p.DocID == docID && p.Generation < keep {
			delete(i.points, id)
		}
	}
	return nil
}

func (i *Index) Info(context.Context) (domain.IndexInfo, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return domain.IndexInfo{
		Collection: "memory",
		Dimension:  i.dimension,
		Points:     uint64(len(i.points)),
	}, nil
}

func cosine(a, b domain.Embedding) float64 {
	var dot, na, nb float64
	for idx := range a {
		x, y := float64(a[idx]), float64(b[idx])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
