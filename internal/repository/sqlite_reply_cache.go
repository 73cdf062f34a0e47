package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"persona-rag/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLiteReplyCacheRepository keeps reply_cache rows in the same file as the cache vectors.
type SQLiteReplyCacheRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteReplyCacheRepository(db *sql.DB, logger *zap.Logger) *SQLiteReplyCacheRepository {
	return &SQLiteReplyCacheRepository{
		db:     db,
		logger: logger,
	}
}

func (r *SQLiteReplyCacheRepository) GetByTextHash(ctx context.Context, textHash string) (*models.CacheEntry, error) {
	sqlStr, args, err := squirrel.Select(replyCacheColumns...).
		From("reply_cache").
		Where(squirrel.Eq{"text_hash": textHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var (
		entry models.CacheEntry
		id    string
	)
	err = r.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&id, &entry.UserText, &entry.ResponseText, &entry.ArtifactPath, &entry.TextHash, &entry.VectorID, &entry.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCacheEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if entry.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry id: %w", err)
	}
	return &entry, nil
}

func (r *SQLiteReplyCacheRepository) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	sqlStr, args, err := squirrel.Insert("reply_cache").
		Columns(replyCacheColumns...).
		Values(entry.ID.String(), entry.UserText, entry.ResponseText, entry.ArtifactPath, entry.TextHash, entry.VectorID, entry.CreatedAt).
		Suffix(replyCacheConflict + " RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert query: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	if entry.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("failed to parse cache entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

func (r *SQLiteReplyCacheRepository) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reply_cache").Scan(&stats.Entries); err != nil {
		return stats, fmt.Errorf("failed to read cache stats: %w", err)
	}
	if stats.Entries == 0 {
		return stats, nil
	}

	var latest time.Time
	if err := r.db.QueryRowContext(ctx, "SELECT created_at FROM reply_cache ORDER BY created_at DESC LIMIT 1").Scan(&latest); err != nil {
		return stats, fmt.Errorf("failed to read latest cache entry: %w", err)
	}
	stats.LatestAt = &latest
	return stats, nil
}

func (r *SQLiteReplyCacheRepository) Close() error {
	return r.db.Close()
}
