package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"persona-rag/internal/models"
)

var (
	ErrNoEmbedding       = errors.New("entry has no embedding")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIndexCorrupted    = errors.New("index corrupted")
)

// VectorIndex is a persistent collection of embedded records for one layer.
// Query returns hits ordered by ascending cosine distance in [0, 2].
type VectorIndex interface {
	Layer() models.Layer
	Upsert(ctx context.Context, entries []models.IndexEntry) error
	Query(ctx context.Context, embedding []float32, k int, filter *models.IndexFilter) ([]models.Document, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	IDs(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) error
	Close() error
}

// IndexStore opens and destroys the persisted knowledge indices of one backend.
type IndexStore interface {
	Open(ctx context.Context, layer models.Layer) (VectorIndex, error)
	// Destroy removes every persisted trace of the given layers.
	Destroy(ctx context.Context, layers ...models.Layer) error
}

func validateEntries(entries []models.IndexEntry) error {
	dims := -1
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return fmt.Errorf("%w: %s", ErrNoEmbedding, e.ID)
		}
		if dims == -1 {
			dims = len(e.Embedding)
		} else if len(e.Embedding) != dims {
			return fmt.Errorf("%w: %s has %d, expected %d", ErrDimensionMismatch, e.ID, len(e.Embedding), dims)
		}
	}
	return nil
}

// CosineDistance returns 1 - cos(a, b). Zero or mismatched vectors are treated as orthogonal.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}

	d := 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
	// float error can push identical vectors slightly out of range
	return math.Max(0, math.Min(2, d))
}

// rankByDistance keeps the k nearest documents. Ties break on id so results are stable.
func rankByDistance(docs []models.Document, k int) []models.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Distance == docs[j].Distance {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].Distance < docs[j].Distance
	})
	if k >= 0 && len(docs) > k {
		docs = docs[:k]
	}
	return docs
}
