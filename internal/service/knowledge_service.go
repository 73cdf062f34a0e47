package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/pkg/metrics"

	"go.uber.org/zap"
)

var knowledgeLayers = []models.Layer{models.LayerFacts, models.LayerEvidence}

// KnowledgeService owns the Facts and Evidence indices. They are opened and, when needed,
// built at most once per process; later builds are serialized by buildMu.
type KnowledgeService struct {
	store        repository.IndexStore
	pipeline     *PipelineService
	sourcesDir   string
	manifestPath string
	collector    *metrics.Collector
	logger       *zap.Logger

	// memManifest is the process-lifetime manifest used when manifestPath is empty.
	memManifest *repository.Manifest

	current atomic.Pointer[KnowledgeIndexes]
	initMu  sync.Mutex
	buildMu sync.Mutex
}

func NewKnowledgeService(
	store repository.IndexStore,
	pipeline *PipelineService,
	sourcesDir string,
	manifestPath string,
	collector *metrics.Collector,
	logger *zap.Logger,
) *KnowledgeService {
	s := &KnowledgeService{
		store:        store,
		pipeline:     pipeline,
		sourcesDir:   sourcesDir,
		manifestPath: manifestPath,
		collector:    collector,
		logger:       logger,
	}
	if manifestPath == "" {
		s.memManifest = repository.NewManifest("")
	}
	return s
}

// loadManifest returns the source manifest. A manifest that does not parse is logged and
// replaced by an empty one; damaged reports that every source must be indexed from scratch.
func (s *KnowledgeService) loadManifest() (manifest *repository.Manifest, damaged bool, err error) {
	if s.memManifest != nil {
		return s.memManifest, false, nil
	}

	manifest, err = repository.LoadManifest(s.manifestPath)
	if errors.Is(err, repository.ErrManifestCorrupted) {
		s.logger.Warn("Source manifest is unreadable, every source will be indexed again",
			zap.String("path", s.manifestPath),
			zap.Error(err),
		)
		return repository.NewManifest(s.manifestPath), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return manifest, false, nil
}

// Indexes returns the open knowledge indices, loading or building them on first use.
func (s *KnowledgeService) Indexes(ctx context.Context) (*KnowledgeIndexes, error) {
	if idx := s.current.Load(); idx != nil {
		return idx, nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if idx := s.current.Load(); idx != nil {
		return idx, nil
	}

	idx, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.current.Store(idx)
	return idx, nil
}

func (s *KnowledgeService) load(ctx context.Context) (*KnowledgeIndexes, error) {
	manifest, damaged, err := s.loadManifest()
	if err != nil {
		return nil, err
	}

	idx, err := s.openAll(ctx)
	corrupted := false
	switch {
	case errors.Is(err, repository.ErrIndexCorrupted):
		s.logger.Warn("Persisted knowledge index is unreadable", zap.Error(err))
		corrupted = true
	case err != nil:
		return nil, err
	case damaged:
		// without the manifest stale records cannot be found, so start over
		corrupted = true
	default:
		if layer, empty := s.emptyButExpected(ctx, idx, manifest); empty {
			s.logger.Warn("Persisted knowledge index is empty but the manifest lists sources",
				zap.String("layer", string(layer)),
			)
			corrupted = true
		}
	}

	if corrupted {
		if idx != nil {
			idx.Close()
		}
		if err := s.store.Destroy(ctx, knowledgeLayers...); err != nil {
			return nil, fmt.Errorf("failed to destroy corrupted index: %w", err)
		}
		manifest.Reset()
		if idx, err = s.openAll(ctx); err != nil {
			return nil, fmt.Errorf("failed to recreate knowledge index: %w", err)
		}
	}

	if corrupted || len(manifest.Names()) == 0 {
		s.buildMu.Lock()
		_, err := s.sync(ctx, idx, manifest, true)
		s.buildMu.Unlock()
		if err != nil {
			idx.Close()
			return nil, err
		}
		return idx, nil
	}

	stats, err := s.counts(ctx, idx)
	if err != nil {
		idx.Close()
		return nil, err
	}
	s.logger.Info("Knowledge index loaded",
		zap.Int("facts", stats.FactsCount),
		zap.Int("evidence", stats.EvidenceCount),
	)
	return idx, nil
}

func (s *KnowledgeService) openAll(ctx context.Context) (*KnowledgeIndexes, error) {
	facts, err := s.store.Open(ctx, models.LayerFacts)
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.Open(ctx, models.LayerEvidence)
	if err != nil {
		facts.Close()
		return nil, err
	}
	return &KnowledgeIndexes{Facts: facts, Evidence: evidence}, nil
}

// emptyButExpected reports a layer the manifest says holds records while the index is empty.
func (s *KnowledgeService) emptyButExpected(ctx context.Context, idx *KnowledgeIndexes, manifest *repository.Manifest) (models.Layer, bool) {
	expected := make(map[models.Layer]int)
	for _, name := range manifest.Names() {
		state, _ := manifest.Get(name)
		expected[state.Layer] += len(state.RecordIDs)
	}

	for _, layer := range knowledgeLayers {
		if expected[layer] == 0 {
			continue
		}
		index, _ := idx.Get(layer)
		n, err := index.Count(ctx)
		if err != nil || n == 0 {
			return layer, true
		}
	}
	return "", false
}

// BuildOrUpdate indexes new and changed sources and drops removed ones.
func (s *KnowledgeService) BuildOrUpdate(ctx context.Context) (models.BuildStats, error) {
	idx, err := s.Indexes(ctx)
	if err != nil {
		return models.BuildStats{}, err
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	manifest, damaged, err := s.loadManifest()
	if err != nil {
		return models.BuildStats{}, err
	}
	if damaged {
		return s.rebuild(ctx, idx, manifest)
	}
	return s.sync(ctx, idx, manifest, false)
}

// Rebuild clears both indices and the manifest, then indexes every source.
func (s *KnowledgeService) Rebuild(ctx context.Context) (models.BuildStats, error) {
	idx, err := s.Indexes(ctx)
	if err != nil {
		return models.BuildStats{}, err
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	manifest, _, err := s.loadManifest()
	if err != nil {
		return models.BuildStats{}, err
	}
	return s.rebuild(ctx, idx, manifest)
}

// rebuild must be called with buildMu held.
func (s *KnowledgeService) rebuild(ctx context.Context, idx *KnowledgeIndexes, manifest *repository.Manifest) (models.BuildStats, error) {
	for _, layer := range knowledgeLayers {
		index, _ := idx.Get(layer)
		if err := index.Reset(ctx); err != nil {
			return models.BuildStats{}, fmt.Errorf("failed to reset %s index: %w", layer, err)
		}
	}

	manifest.Reset()
	return s.sync(ctx, idx, manifest, true)
}

// sync must be called with buildMu held.
func (s *KnowledgeService) sync(ctx context.Context, idx *KnowledgeIndexes, manifest *repository.Manifest, full bool) (models.BuildStats, error) {
	started := time.Now()
	var stats models.BuildStats

	for _, layer := range knowledgeLayers {
		index, _ := idx.Get(layer)
		res, err := s.pipeline.Sync(ctx, layer, filepath.Join(s.sourcesDir, string(layer)), index, manifest, full)
		stats.SkippedSources += res.Skipped
		stats.UnchangedSources += res.Unchanged
		if err != nil {
			// keep what was indexed so far so the next build resumes from it
			if saveErr := manifest.Save(); saveErr != nil {
				s.logger.Warn("Failed to save manifest", zap.Error(saveErr))
			}
			return stats, fmt.Errorf("failed to build %s index: %w", layer, err)
		}
	}

	if err := manifest.Save(); err != nil {
		return stats, err
	}

	counts, err := s.counts(ctx, idx)
	if err != nil {
		return stats, err
	}
	stats.FactsCount = counts.FactsCount
	stats.EvidenceCount = counts.EvidenceCount

	s.logger.Info("Knowledge index built",
		zap.Bool("full", full),
		zap.Int("facts", stats.FactsCount),
		zap.Int("evidence", stats.EvidenceCount),
		zap.Int("skipped_sources", stats.SkippedSources),
		zap.Int("unchanged_sources", stats.UnchangedSources),
		zap.Duration("took", time.Since(started)),
	)
	return stats, nil
}

// Counts reports the current number of records per index.
func (s *KnowledgeService) Counts(ctx context.Context) (models.BuildStats, error) {
	idx, err := s.Indexes(ctx)
	if err != nil {
		return models.BuildStats{}, err
	}
	return s.counts(ctx, idx)
}

func (s *KnowledgeService) counts(ctx context.Context, idx *KnowledgeIndexes) (models.BuildStats, error) {
	facts, err := idx.Facts.Count(ctx)
	if err != nil {
		return models.BuildStats{}, fmt.Errorf("failed to count facts: %w", err)
	}
	evidence, err := idx.Evidence.Count(ctx)
	if err != nil {
		return models.BuildStats{}, fmt.Errorf("failed to count evidence: %w", err)
	}

	s.collector.SetKnowledgeRecords(string(models.LayerFacts), facts)
	s.collector.SetKnowledgeRecords(string(models.LayerEvidence), evidence)
	return models.BuildStats{FactsCount: facts, EvidenceCount: evidence}, nil
}

func (s *KnowledgeService) Close() error {
	if idx := s.current.Swap(nil); idx != nil {
		return idx.Close()
	}
	return nil
}
