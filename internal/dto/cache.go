package dto

import (
	"time"

	"persona-rag/internal/models"
)

type StoreReplyRequest struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

type StoreReplyResponse struct {
	VectorID string `json:"vector_id"`
}

type CacheEntryResponse struct {
	UserText     string    `json:"user_text"`
	ResponseText string    `json:"response_text"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	VectorID     string    `json:"vector_id"`
	Similarity   float64   `json:"similarity"`
	CreatedAt    time.Time `json:"created_at"`
}

// LookupReplyResponse reports a cache hit with its entry, or hit=false.
type LookupReplyResponse struct {
	Hit   bool                `json:"hit"`
	Entry *CacheEntryResponse `json:"entry,omitempty"`
}

func NewLookupReplyResponse(entry *models.CacheEntry) LookupReplyResponse {
	if entry == nil {
		return LookupReplyResponse{}
	}
	return LookupReplyResponse{
		Hit: true,
		Entry: &CacheEntryResponse{
			UserText:     entry.UserText,
			ResponseText: entry.ResponseText,
			ArtifactPath: entry.ArtifactPath,
			VectorID:     entry.VectorID,
			Similarity:   entry.SimilarityScore,
			CreatedAt:    entry.CreatedAt,
		},
	}
}
