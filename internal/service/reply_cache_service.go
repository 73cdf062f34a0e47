package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultSimilarityThreshold = 0.85
	defaultSemanticTopK        = 3
)

// SimilarityFromDistance maps cosine distance in [0, 2] onto [0, 1]: 0 -> 1, 1 -> 0.5, 2 -> 0.
func SimilarityFromDistance(d float64) float64 {
	return ((1 - d) + 1) / 2
}

// ReplyCacheService answers repeated questions from earlier generations. The relational
// repository is the source of truth; the vector index only locates near duplicates.
type ReplyCacheService struct {
	repo         repository.ReplyCacheRepository
	index        repository.VectorIndex
	embedder     Embedder
	threshold    float64
	topK         int
	embedTimeout time.Duration
	queryTimeout time.Duration
	collector    *metrics.Collector
	logger       *zap.Logger
}

type ReplyCacheOptions struct {
	Threshold    float64
	TopK         int
	EmbedTimeout time.Duration
	QueryTimeout time.Duration
}

func NewReplyCacheService(
	repo repository.ReplyCacheRepository,
	index repository.VectorIndex,
	embedder Embedder,
	opts ReplyCacheOptions,
	collector *metrics.Collector,
	logger *zap.Logger,
) *ReplyCacheService {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSimilarityThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultSemanticTopK
	}
	return &ReplyCacheService{
		repo:         repo,
		index:        index,
		embedder:     embedder,
		threshold:    opts.Threshold,
		topK:         opts.TopK,
		embedTimeout: opts.EmbedTimeout,
		queryTimeout: opts.QueryTimeout,
		collector:    collector,
		logger:       logger,
	}
}

// FindSimilar returns the cached entry for query, or nil on a miss.
// An exact normalized match is tried first and scores 1.0.
func (s *ReplyCacheService) FindSimilar(ctx context.Context, query string) (*models.CacheEntry, error) {
	if Normalize(query) == "" {
		return nil, nil
	}
	textHash := TextHash(query)

	entry, err := s.repo.GetByTextHash(ctx, textHash)
	switch {
	case err == nil:
		entry.SimilarityScore = 1.0
		s.collector.RecordCacheLookup("exact")
		return entry, nil
	case !errors.Is(err, models.ErrCacheEntryNotFound):
		s.logger.Warn("Exact cache lookup failed", zap.Error(err))
	}

	entry, err = s.findSemantic(ctx, query)
	if err != nil {
		s.collector.RecordCacheLookup("error")
		return nil, err
	}
	if entry == nil {
		s.collector.RecordCacheLookup("miss")
		return nil, nil
	}
	s.collector.RecordCacheLookup("semantic")
	return entry, nil
}

func (s *ReplyCacheService) findSemantic(ctx context.Context, query string) (*models.CacheEntry, error) {
	embedding, err := embedOne(ctx, s.embedder, s.embedTimeout, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed cache query: %w", err)
	}

	qctx := ctx
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	docs, err := s.index.Query(qctx, embedding, s.topK, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache index: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	best := docs[0]
	for _, d := range docs[1:] {
		if d.Distance < best.Distance {
			best = d
		}
	}

	similarity := SimilarityFromDistance(best.Distance)
	if similarity < s.threshold {
		s.logger.Debug("Cache candidate below threshold",
			zap.Float64("similarity", similarity),
			zap.Float64("threshold", s.threshold),
		)
		return nil, nil
	}

	textHash := best.Metadata.TextHash
	if textHash == "" {
		textHash = TextHash(best.Text)
	}

	entry, err := s.repo.GetByTextHash(ctx, textHash)
	if errors.Is(err, models.ErrCacheEntryNotFound) {
		s.logger.Warn("Cache vector has no relational row", zap.String("vector_id", best.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}

	entry.SimilarityScore = similarity
	return entry, nil
}

// Store records answer for query and returns the deterministic vector id.
// Re-storing the same normalized question replaces the previous vector and row.
func (s *ReplyCacheService) Store(ctx context.Context, query, answer, artifactRef string) (string, error) {
	if Normalize(query) == "" {
		return "", models.ErrEmptyQuestion
	}
	if strings.TrimSpace(answer) == "" {
		return "", models.ErrEmptyAnswer
	}

	textHash := TextHash(query)
	vectorID := models.CacheVectorID(textHash)
	now := time.Now().UTC()

	embedding, err := embedOne(ctx, s.embedder, s.embedTimeout, query)
	if err != nil {
		return "", fmt.Errorf("failed to embed cache entry: %w", err)
	}

	if err := s.index.Delete(ctx, []string{vectorID}); err != nil {
		return "", fmt.Errorf("failed to delete previous cache vector: %w", err)
	}

	err = s.index.Upsert(ctx, []models.IndexEntry{{
		ID:   vectorID,
		Text: query,
		Metadata: models.RecordMetadata{
			Layer:        models.LayerCache,
			TextHash:     textHash,
			ResponseText: answer,
			CreatedAt:    now,
		},
		Embedding: embedding,
	}})
	if err != nil {
		return "", fmt.Errorf("failed to upsert cache vector: %w", err)
	}

	entry := &models.CacheEntry{
		UserText:     query,
		ResponseText: answer,
		ArtifactPath: artifactRef,
		TextHash:     textHash,
		VectorID:     vectorID,
		CreatedAt:    now,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		// keep the vector index from pointing at a row that was never written
		if delErr := s.index.Delete(ctx, []string{vectorID}); delErr != nil {
			s.logger.Warn("Failed to remove orphaned cache vector", zap.String("vector_id", vectorID), zap.Error(delErr))
		}
		return "", fmt.Errorf("failed to store cache entry: %w", err)
	}

	s.logger.Info("Answer cached", zap.String("vector_id", vectorID))
	return vectorID, nil
}

func (s *ReplyCacheService) Stats(ctx context.Context) (models.CacheStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get cache stats: %w", err)
	}
	n, err := s.index.Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count cache vectors: %w", err)
	}
	stats.VectorCount = n
	return stats, nil
}

func (s *ReplyCacheService) Close() error {
	return errors.Join(s.index.Close(), s.repo.Close())
}
