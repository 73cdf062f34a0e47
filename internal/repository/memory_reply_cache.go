package repository

import (
	"context"
	"sync"
	"time"

	"persona-rag/internal/models"

	"github.com/google/uuid"
)

// MemoryReplyCacheRepository keeps cache rows for the life of the process.
type MemoryReplyCacheRepository struct {
	mu     sync.RWMutex
	byHash map[string]models.CacheEntry
}

func NewMemoryReplyCacheRepository() *MemoryReplyCacheRepository {
	return &MemoryReplyCacheRepository{byHash: make(map[string]models.CacheEntry)}
}

func (r *MemoryReplyCacheRepository) GetByTextHash(ctx context.Context, textHash string) (*models.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byHash[textHash]
	if !ok {
		return nil, models.ErrCacheEntryNotFound
	}
	return &entry, nil
}

func (r *MemoryReplyCacheRepository) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[entry.TextHash]; ok {
		entry.ID = existing.ID
	} else if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.byHash[entry.TextHash] = *entry
	return nil
}

func (r *MemoryReplyCacheRepository) Stats(ctx context.Context) (models.CacheStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := models.CacheStats{Entries: len(r.byHash)}
	for _, e := range r.byHash {
		if stats.LatestAt == nil || e.CreatedAt.After(*stats.LatestAt) {
			t := e.CreatedAt
			stats.LatestAt = &t
		}
	}
	return stats, nil
}

func (r *MemoryReplyCacheRepository) Close() error { return nil }
