package repository

import (
	"context"
	"fmt"

	"persona-rag/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// KnowledgeRepository is a pgvector-backed VectorIndex. All layers share one table, partitioned by layer.
type KnowledgeRepository struct {
	db     *pgxpool.Pool
	layer  models.Layer
	logger *zap.Logger
}

func NewKnowledgeRepository(db *pgxpool.Pool, layer models.Layer, logger *zap.Logger) *KnowledgeRepository {
	return &KnowledgeRepository{
		db:     db,
		layer:  layer,
		logger: logger,
	}
}

func (r *KnowledgeRepository) Layer() models.Layer { return r.layer }

func (r *KnowledgeRepository) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		meta, err := e.Metadata.Marshal()
		if err != nil {
			return err
		}

		query := squirrel.Insert("knowledge_vectors").
			Columns("layer", "id", "content", "doc_type", "metadata", "embedding", "updated_at").
			Values(string(r.layer), e.ID, e.Text, string(e.Metadata.DocType), meta, pgvector.NewVector(e.Embedding), squirrel.Expr("now()")).
			Suffix(`ON CONFLICT (layer, id) DO UPDATE SET
				content = EXCLUDED.content,
				doc_type = EXCLUDED.doc_type,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at`).
			PlaceholderFormat(squirrel.Dollar)

		sql, args, err := query.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build upsert query: %w", err)
		}
		batch.Queue(sql, args...)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	r.logger.Debug("Vectors upserted", zap.String("layer", string(r.layer)), zap.Int("count", len(entries)))
	return nil
}

func (r *KnowledgeRepository) Query(ctx context.Context, embedding []float32, k int, filter *models.IndexFilter) ([]models.Document, error) {
	vec := pgvector.NewVector(embedding)

	query := squirrel.Select("id", "content", "metadata").
		Column(squirrel.Expr("embedding <=> ? AS distance", vec)).
		From("knowledge_vectors").
		Where(squirrel.Eq{"layer": string(r.layer)}).
		OrderBy("distance ASC", "id ASC").
		Limit(uint64(k)).
		PlaceholderFormat(squirrel.Dollar)

	if filter != nil && filter.DocType != "" {
		query = query.Where(squirrel.Eq{"doc_type": string(filter.DocType)})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []models.Document
	for rows.Next() {
		var (
			doc     models.Document
			metaRaw []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &metaRaw, &doc.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if doc.Metadata, err = models.UnmarshalMetadata(metaRaw); err != nil {
			return nil, err
		}
		doc.Layer = r.layer
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	return results, nil
}

func (r *KnowledgeRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	sql, args, err := squirrel.Delete("knowledge_vectors").
		Where(squirrel.Eq{"layer": string(r.layer), "id": ids}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) Count(ctx context.Context) (int, error) {
	sql, args, err := squirrel.Select("COUNT(*)").
		From("knowledge_vectors").
		Where(squirrel.Eq{"layer": string(r.layer)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var n int
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

func (r *KnowledgeRepository) IDs(ctx context.Context) ([]string, error) {
	sql, args, err := squirrel.Select("id").
		From("knowledge_vectors").
		Where(squirrel.Eq{"layer": string(r.layer)}).
		OrderBy("id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build id query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan vector ids: %w", err)
	}
	return ids, nil
}

func (r *KnowledgeRepository) Reset(ctx context.Context) error {
	sql, args, err := squirrel.Delete("knowledge_vectors").
		Where(squirrel.Eq{"layer": string(r.layer)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build reset query: %w", err)
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to reset vectors: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *KnowledgeRepository) Close() error { return nil }

// PgIndexStore serves every layer from the shared knowledge_vectors table.
type PgIndexStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPgIndexStore(db *pgxpool.Pool, logger *zap.Logger) *PgIndexStore {
	return &PgIndexStore{db: db, logger: logger}
}

func (s *PgIndexStore) Open(ctx context.Context, layer models.Layer) (VectorIndex, error) {
	idx := NewKnowledgeRepository(s.db, layer, s.logger)
	if _, err := idx.Count(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	return idx, nil
}

func (s *PgIndexStore) Destroy(ctx context.Context, layers ...models.Layer) error {
	for _, layer := range layers {
		if err := NewKnowledgeRepository(s.db, layer, s.logger).Reset(ctx); err != nil {
			return err
		}
		s.logger.Warn("Persisted index cleared", zap.String("layer", string(layer)))
	}
	return nil
}
