package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrCacheEntryNotFound = errors.New("cache entry not found")

// cacheNamespace seeds the deterministic vector id of every cache entry.
var cacheNamespace = uuid.MustParse("6f1c1b7e-3f0a-5c55-9b1e-2b8d3c4a9e10")

// CacheEntry is a previously generated answer, at most one per TextHash.
type CacheEntry struct {
	ID              uuid.UUID `json:"id"`
	UserText        string    `json:"user_text"`
	ResponseText    string    `json:"response_text"`
	ArtifactPath    string    `json:"artifact_path,omitempty"`
	TextHash        string    `json:"text_hash"`
	VectorID        string    `json:"vector_id"`
	CreatedAt       time.Time `json:"created_at"`
	SimilarityScore float64   `json:"similarity_score"`
}

// CacheVectorID derives the vector index id from a text hash. Equal hashes always give equal ids.
func CacheVectorID(textHash string) string {
	return uuid.NewSHA1(cacheNamespace, []byte(textHash)).String()
}

// CacheStats summarizes the relational side of the reply cache.
type CacheStats struct {
	Entries     int        `json:"entries"`
	VectorCount int        `json:"vector_count"`
	LatestAt    *time.Time `json:"latest_at,omitempty"`
}
