package repository

import (
	"context"
	"sort"
	"sync"

	"persona-rag/internal/models"

	"go.uber.org/zap"
)

// MemoryVectorIndex keeps vectors in a map keyed by id. Used by the memory backend and tests.
type MemoryVectorIndex struct {
	layer   models.Layer
	entries map[string]models.IndexEntry
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewMemoryVectorIndex(layer models.Layer, logger *zap.Logger) *MemoryVectorIndex {
	return &MemoryVectorIndex{
		layer:   layer,
		entries: make(map[string]models.IndexEntry),
		logger:  logger,
	}
}

func (s *MemoryVectorIndex) Layer() models.Layer { return s.layer }

func (s *MemoryVectorIndex) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		e.Embedding = append([]float32(nil), e.Embedding...)
		s.entries[e.ID] = e
	}

	s.logger.Debug("Entries upserted",
		zap.String("layer", string(s.layer)),
		zap.Int("count", len(entries)),
		zap.Int("total", len(s.entries)),
	)
	return nil
}

func (s *MemoryVectorIndex) Query(ctx context.Context, embedding []float32, k int, filter *models.IndexFilter) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]models.Document, 0, len(s.entries))
	for _, e := range s.entries {
		if filter != nil && filter.DocType != "" && e.Metadata.DocType != filter.DocType {
			continue
		}
		results = append(results, models.Document{
			ID:       e.ID,
			Layer:    s.layer,
			Text:     e.Text,
			Metadata: e.Metadata,
			Distance: CosineDistance(embedding, e.Embedding),
		})
	}

	return rankByDistance(results, k), nil
}

func (s *MemoryVectorIndex) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryVectorIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryVectorIndex) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryVectorIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]models.IndexEntry)
	return nil
}

func (s *MemoryVectorIndex) Close() error { return nil }

// Get returns the stored entry for id.
func (s *MemoryVectorIndex) Get(id string) (models.IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// MemoryIndexStore hands out one MemoryVectorIndex per layer for the life of the process.
type MemoryIndexStore struct {
	mu      sync.Mutex
	indices map[models.Layer]*MemoryVectorIndex
	logger  *zap.Logger
}

func NewMemoryIndexStore(logger *zap.Logger) *MemoryIndexStore {
	return &MemoryIndexStore{
		indices: make(map[models.Layer]*MemoryVectorIndex),
		logger:  logger,
	}
}

func (s *MemoryIndexStore) Open(ctx context.Context, layer models.Layer) (VectorIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indices[layer]
	if !ok {
		idx = NewMemoryVectorIndex(layer, s.logger)
		s.indices[layer] = idx
	}
	return idx, nil
}

func (s *MemoryIndexStore) Destroy(ctx context.Context, layers ...models.Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, layer := range layers {
		delete(s.indices, layer)
	}
	return nil
}
