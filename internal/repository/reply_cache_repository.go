package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"persona-rag/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ReplyCacheRepository is the relational side of the reply cache, the source of truth for exact lookups.
type ReplyCacheRepository interface {
	// GetByTextHash returns models.ErrCacheEntryNotFound when no row exists.
	GetByTextHash(ctx context.Context, textHash string) (*models.CacheEntry, error)
	// Upsert inserts or replaces the row for entry.TextHash in one transaction.
	Upsert(ctx context.Context, entry *models.CacheEntry) error
	Stats(ctx context.Context) (models.CacheStats, error)
	Close() error
}

var replyCacheColumns = []string{"id", "user_text", "response_text", "artifact_path", "text_hash", "vector_id", "created_at"}

const replyCacheConflict = `ON CONFLICT (text_hash) DO UPDATE SET
	user_text = EXCLUDED.user_text,
	response_text = EXCLUDED.response_text,
	artifact_path = EXCLUDED.artifact_path,
	vector_id = EXCLUDED.vector_id,
	created_at = EXCLUDED.created_at`

type PgReplyCacheRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPgReplyCacheRepository(db *pgxpool.Pool, logger *zap.Logger) *PgReplyCacheRepository {
	return &PgReplyCacheRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PgReplyCacheRepository) GetByTextHash(ctx context.Context, textHash string) (*models.CacheEntry, error) {
	query := squirrel.Select(replyCacheColumns...).
		From("reply_cache").
		Where(squirrel.Eq{"text_hash": textHash}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var entry models.CacheEntry
	err = r.db.QueryRow(ctx, sql, args...).Scan(
		&entry.ID, &entry.UserText, &entry.ResponseText, &entry.ArtifactPath, &entry.TextHash, &entry.VectorID, &entry.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrCacheEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

func (r *PgReplyCacheRepository) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := squirrel.Insert("reply_cache").
		Columns(replyCacheColumns...).
		Values(entry.ID, entry.UserText, entry.ResponseText, entry.ArtifactPath, entry.TextHash, entry.VectorID, entry.CreatedAt).
		Suffix(replyCacheConflict + " RETURNING id").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert query: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// an existing row keeps its original id
	if err := tx.QueryRow(ctx, sql, args...).Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

func (r *PgReplyCacheRepository) Stats(ctx context.Context) (models.CacheStats, error) {
	var (
		stats  models.CacheStats
		latest *time.Time
	)
	err := r.db.QueryRow(ctx, "SELECT COUNT(*), MAX(created_at) FROM reply_cache").Scan(&stats.Entries, &latest)
	if err != nil {
		return stats, fmt.Errorf("failed to read cache stats: %w", err)
	}
	stats.LatestAt = latest
	return stats, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *PgReplyCacheRepository) Close() error { return nil }
