package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrRetrievalFailed = errors.New("retrieval failed")

// ContextSeparator joins retrieved passages in the prompt context.
const ContextSeparator = "\n---\n"

// IndexSource hands out the knowledge indices, building them on first use.
type IndexSource interface {
	Indexes(ctx context.Context) (*KnowledgeIndexes, error)
}

// HybridRetriever queries the Facts and Evidence indices according to a route and merges the results.
type HybridRetriever struct {
	source       IndexSource
	embedder     Embedder
	embedTimeout time.Duration
	queryTimeout time.Duration
	collector    *metrics.Collector
	logger       *zap.Logger
}

func NewHybridRetriever(source IndexSource, embedder Embedder, embedTimeout, queryTimeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *HybridRetriever {
	return &HybridRetriever{
		source:       source,
		embedder:     embedder,
		embedTimeout: embedTimeout,
		queryTimeout: queryTimeout,
		collector:    collector,
		logger:       logger,
	}
}

// layerResult is the outcome of one nearest-neighbour sub-query.
type layerResult struct {
	layer models.Layer
	docs  []models.Document
	err   error
}

// Retrieve returns at most k documents for query. Individual index failures are logged and
// skipped; only when every sub-query fails is ErrRetrievalFailed returned.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, route models.QueryRoute, filter models.RetrievalFilter, k int) ([]models.Document, error) {
	if k <= 0 {
		return nil, nil
	}

	indexes, err := r.source.Indexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	embedding, err := embedOne(ctx, r.embedder, r.embedTimeout, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query: %v", ErrRetrievalFailed, err)
	}

	primary := route.Primary.Layers()
	secondary := excludeLayers(route.Secondary.Layers(), primary)

	var attempts, failures int
	run := func(layers []models.Layer, limit int) []models.Document {
		results := r.queryLayers(ctx, indexes, layers, embedding, limit, filter)
		var docs []models.Document
		for _, res := range results {
			attempts++
			if res.err != nil {
				failures++
				continue
			}
			docs = append(docs, filterByTags(res.docs, filter.Tags)...)
		}
		return docs
	}

	merged := mergeDocuments(run(primary, k))

	if len(merged) < k && len(secondary) > 0 {
		merged = mergeDocuments(merged, run(secondary, k))
	}

	if filter.Active() && len(merged) < k {
		wide := k * 3
		widened := run(primary, wide)
		if len(secondary) > 0 {
			widened = append(widened, run(secondary, wide)...)
		}
		merged = mergeDocuments(merged, widened)
	}

	if attempts > 0 && failures == attempts {
		return nil, fmt.Errorf("%w: all %d index queries failed", ErrRetrievalFailed, attempts)
	}

	if len(merged) > k {
		merged = merged[:k]
	}

	r.logger.Debug("Retrieval completed",
		zap.String("query_type", string(route.QueryType)),
		zap.Int("results", len(merged)),
		zap.Int("failed_queries", failures),
	)
	return merged, nil
}

// queryLayers fans out to every layer concurrently and keeps every outcome, in layer order.
func (r *HybridRetriever) queryLayers(ctx context.Context, indexes *KnowledgeIndexes, layers []models.Layer, embedding []float32, k int, filter models.RetrievalFilter) []layerResult {
	results := make([]layerResult, len(layers))

	var indexFilter *models.IndexFilter
	if filter.DocType != "" {
		indexFilter = &models.IndexFilter{DocType: filter.DocType}
	}

	var g errgroup.Group
	for i, layer := range layers {
		g.Go(func() error {
			results[i] = layerResult{layer: layer}

			index, err := indexes.Get(layer)
			if err != nil {
				results[i].err = err
				r.reportFailure(layer, err)
				return nil
			}

			qctx := ctx
			if r.queryTimeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
				defer cancel()
			}

			docs, err := index.Query(qctx, embedding, k, indexFilter)
			if err != nil {
				results[i].err = err
				r.reportFailure(layer, err)
				return nil
			}
			results[i].docs = docs
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *HybridRetriever) reportFailure(layer models.Layer, err error) {
	r.collector.RecordRetrievalFailure(string(layer))
	r.logger.Warn("Index query failed", zap.String("layer", string(layer)), zap.Error(err))
}

// BuildContext renders retrieved documents for the prompt.
func BuildContext(docs []models.Document) string {
	texts := make([]string, 0, len(docs))
	for _, d := range docs {
		if t := strings.TrimSpace(d.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, ContextSeparator)
}

// mergeDocuments concatenates the groups and drops repeated ids, keeping first-seen order.
func mergeDocuments(groups ...[]models.Document) []models.Document {
	seen := make(map[string]struct{})
	var out []models.Document
	for _, group := range groups {
		for _, d := range group {
			if _, ok := seen[d.ID]; ok {
				continue
			}
			seen[d.ID] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

func filterByTags(docs []models.Document, tags []string) []models.Document {
	if len(tags) == 0 {
		return docs
	}
	want := models.NormalizeTags(tags)
	out := docs[:0:0]
	for _, d := range docs {
		if d.Metadata.HasAnyTag(want) {
			out = append(out, d)
		}
	}
	return out
}

func excludeLayers(layers, drop []models.Layer) []models.Layer {
	var out []models.Layer
	for _, l := range layers {
		skip := false
		for _, d := range drop {
			if l == d {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, l)
		}
	}
	return out
}

// KnowledgeIndexes holds the opened Facts and Evidence indices.
type KnowledgeIndexes struct {
	Facts    repository.VectorIndex
	Evidence repository.VectorIndex

	closeOnce sync.Once
}

func (k *KnowledgeIndexes) Get(layer models.Layer) (repository.VectorIndex, error) {
	switch layer {
	case models.LayerFacts:
		if k.Facts != nil {
			return k.Facts, nil
		}
	case models.LayerEvidence:
		if k.Evidence != nil {
			return k.Evidence, nil
		}
	}
	return nil, fmt.Errorf("%w: %s index is not open", models.ErrInvalidLayer, layer)
}

func (k *KnowledgeIndexes) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		for _, idx := range []repository.VectorIndex{k.Facts, k.Evidence} {
			if idx != nil {
				if err := idx.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
