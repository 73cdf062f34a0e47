package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"

	"go.uber.org/zap"
)

// SyncResult summarises one pass of PipelineService.Sync over a source directory.
type SyncResult struct {
	Indexed   int
	Skipped   int
	Unchanged int
	Removed   int
}

// PipelineService turns knowledge sources into stable-id records and writes them to a vector index.
type PipelineService struct {
	embedder Embedder
	chunker  *Chunker
	logger   *zap.Logger
}

func NewPipelineService(embedder Embedder, chunker *Chunker, logger *zap.Logger) *PipelineService {
	if chunker == nil {
		chunker = NewChunker()
	}
	return &PipelineService{
		embedder: embedder,
		chunker:  chunker,
		logger:   logger,
	}
}

// Load reads one source file into records for the given layer.
func (s *PipelineService) Load(layer models.Layer, path, source string) ([]models.Record, error) {
	switch layer {
	case models.LayerFacts:
		facts, err := LoadFacts(path)
		if err != nil {
			return nil, err
		}
		records := make([]models.Record, len(facts))
		for i, f := range facts {
			records[i] = f
		}
		return records, nil
	case models.LayerEvidence:
		doc, err := LoadEvidence(path, source)
		if err != nil {
			return nil, err
		}
		return s.ChunkDocument(doc)
	}
	return nil, fmt.Errorf("%w: %s", models.ErrInvalidLayer, layer)
}

// ChunkDocument splits an evidence document into chunks numbered from zero.
func (s *PipelineService) ChunkDocument(doc EvidenceDocument) ([]models.Record, error) {
	parts := s.chunker.Split(doc.Content)
	records := make([]models.Record, 0, len(parts))
	for i, part := range parts {
		chunk, err := models.NewEvidenceChunk(doc.Source, i, part, doc.DocType, doc.Tags)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		records = append(records, chunk)
	}
	return records, nil
}

// Upsert embeds all record texts in one call and writes them through the index's native upsert.
// Records sharing an id collapse to the last one.
func (s *PipelineService) Upsert(ctx context.Context, index repository.VectorIndex, records []models.Record) error {
	records = dedupeRecords(records)
	if len(records) == 0 {
		return nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text()
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed records: %w", err)
	}
	if len(embeddings) != len(records) {
		return fmt.Errorf("%w: got %d vectors for %d records", ErrEmbeddingFailed, len(embeddings), len(records))
	}

	entries := make([]models.IndexEntry, len(records))
	for i, r := range records {
		entries[i] = models.IndexEntry{
			ID:        r.ID(),
			Text:      texts[i],
			Metadata:  r.Metadata(),
			Embedding: embeddings[i],
		}
	}

	if err := index.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("failed to upsert records: %w", err)
	}

	s.logger.Debug("Records upserted",
		zap.String("layer", string(index.Layer())),
		zap.Int("count", len(entries)),
	)
	return nil
}

// Sync indexes every source under dir into index. Sources whose hash matches the manifest are
// skipped unless full is set. A source that fails to load is logged and skipped; an embedding or
// index failure aborts the pass.
func (s *PipelineService) Sync(ctx context.Context, layer models.Layer, dir string, index repository.VectorIndex, manifest *repository.Manifest, full bool) (SyncResult, error) {
	var result SyncResult

	files, err := listSources(dir)
	if err != nil {
		return result, err
	}
	if len(files) == 0 {
		s.logger.Info("No knowledge sources found", zap.String("layer", string(layer)), zap.String("dir", dir))
	}

	seen := make(map[string]struct{}, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		source := string(layer) + "/" + filepath.ToSlash(rel)
		path := filepath.Join(dir, rel)
		seen[source] = struct{}{}

		hash, err := calculateFileHash(path)
		if err != nil {
			s.logger.Warn("Failed to hash source, skipping", zap.String("source", source), zap.Error(err))
			result.Skipped++
			continue
		}

		prev, known := manifest.Get(source)
		if !full && known && prev.Hash == hash && prev.Layer == layer {
			result.Unchanged++
			continue
		}

		records, err := s.Load(layer, path, filepath.ToSlash(rel))
		if err != nil {
			s.logger.Warn("Failed to load source, skipping", zap.String("source", source), zap.Error(err))
			result.Skipped++
			continue
		}

		ids := make([]string, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID())
		}
		ids = uniqueStrings(ids)

		if known {
			if stale := difference(prev.RecordIDs, ids); len(stale) > 0 {
				if err := index.Delete(ctx, stale); err != nil {
					return result, fmt.Errorf("failed to delete stale records of %s: %w", source, err)
				}
				result.Removed += len(stale)
			}
		}

		if err := s.Upsert(ctx, index, records); err != nil {
			return result, fmt.Errorf("failed to index %s: %w", source, err)
		}

		manifest.Set(source, repository.SourceState{Layer: layer, Hash: hash, RecordIDs: ids})
		result.Indexed += len(ids)

		s.logger.Info("Source indexed",
			zap.String("source", source),
			zap.Int("records", len(ids)),
		)
	}

	for _, source := range manifest.Names() {
		state, _ := manifest.Get(source)
		if state.Layer != layer {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		if len(state.RecordIDs) > 0 {
			if err := index.Delete(ctx, state.RecordIDs); err != nil {
				return result, fmt.Errorf("failed to delete records of removed source %s: %w", source, err)
			}
			result.Removed += len(state.RecordIDs)
		}
		manifest.Remove(source)
		s.logger.Info("Removed source dropped from index", zap.String("source", source))
	}

	return result, nil
}

// listSources returns regular files under dir relative to it, sorted. A missing dir is empty.
func listSources(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sources in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// calculateFileHash calculates MD5 hash of a file
func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

func dedupeRecords(records []models.Record) []models.Record {
	pos := make(map[string]int, len(records))
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.ID()]; ok {
			out[i] = r
			continue
		}
		pos[r.ID()] = len(out)
		out = append(out, r)
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// difference returns the elements of a missing from b.
func difference(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, s := range b {
		keep[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := keep[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
