package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"persona-rag/internal/models"
	"persona-rag/internal/repository/migrations"

	"github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// upsertBatchSize keeps multi-row inserts under SQLite's bound parameter limit.
const upsertBatchSize = 200

// OpenSQLite opens (creating if needed) a database file in WAL mode and applies the embedded schema.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexCorrupted, path, err)
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrIndexCorrupted, path, err)
	}

	return db, nil
}

func applySQLiteSchema(db *sql.DB) error {
	entries, err := fs.ReadDir(migrations.SQLite, migrations.SQLiteDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := fs.ReadFile(migrations.SQLite, migrations.SQLiteDir+"/"+name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
	}
	return nil
}

// SQLiteVectorIndex stores vectors as little-endian float32 blobs and ranks them in process.
type SQLiteVectorIndex struct {
	db     *sql.DB
	layer  models.Layer
	ownsDB bool
	logger *zap.Logger
}

// NewSQLiteVectorIndex wraps an already opened database. Close leaves db open.
func NewSQLiteVectorIndex(db *sql.DB, layer models.Layer, logger *zap.Logger) *SQLiteVectorIndex {
	return &SQLiteVectorIndex{db: db, layer: layer, logger: logger}
}

func (r *SQLiteVectorIndex) Layer() models.Layer { return r.layer }

func (r *SQLiteVectorIndex) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := validateEntries(entries); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(entries); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(entries))

		query := squirrel.Insert("vectors").
			Columns("id", "content", "doc_type", "metadata", "embedding", "updated_at")
		for _, e := range entries[start:end] {
			meta, err := e.Metadata.Marshal()
			if err != nil {
				return err
			}
			query = query.Values(e.ID, e.Text, string(e.Metadata.DocType), meta, float32ToBytes(e.Embedding), squirrel.Expr("CURRENT_TIMESTAMP"))
		}
		query = query.Suffix(`ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			doc_type = excluded.doc_type,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)

		sqlStr, args, err := query.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build upsert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func (r *SQLiteVectorIndex) Query(ctx context.Context, embedding []float32, k int, filter *models.IndexFilter) ([]models.Document, error) {
	query := squirrel.Select("id", "content", "metadata", "embedding").From("vectors")
	if filter != nil && filter.DocType != "" {
		query = query.Where(squirrel.Eq{"doc_type": string(filter.DocType)})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []models.Document
	for rows.Next() {
		var (
			doc     models.Document
			metaRaw string
			blob    []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &metaRaw, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if doc.Metadata, err = models.UnmarshalMetadata([]byte(metaRaw)); err != nil {
			return nil, err
		}
		doc.Layer = r.layer
		doc.Distance = CosineDistance(embedding, bytesToFloat32(blob))
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	return rankByDistance(results, k), nil
}

func (r *SQLiteVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	sqlStr, args, err := squirrel.Delete("vectors").Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (r *SQLiteVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

func (r *SQLiteVectorIndex) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM vectors ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list vector ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan vector id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteVectorIndex) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM vectors"); err != nil {
		return fmt.Errorf("failed to reset vectors: %w", err)
	}
	return nil
}

func (r *SQLiteVectorIndex) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

// SQLiteIndexStore keeps one database file per layer under dir.
type SQLiteIndexStore struct {
	dir    string
	logger *zap.Logger
}

func NewSQLiteIndexStore(dir string, logger *zap.Logger) *SQLiteIndexStore {
	return &SQLiteIndexStore{dir: dir, logger: logger}
}

func (s *SQLiteIndexStore) path(layer models.Layer) string {
	return filepath.Join(s.dir, string(layer)+".db")
}

// Open fails with ErrIndexCorrupted when the file exists but is not a readable index.
func (s *SQLiteIndexStore) Open(ctx context.Context, layer models.Layer) (VectorIndex, error) {
	db, err := OpenSQLite(s.path(layer))
	if err != nil {
		return nil, err
	}

	idx := NewSQLiteVectorIndex(db, layer, s.logger)
	idx.ownsDB = true

	if _, err := idx.Count(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupted, err)
	}
	return idx, nil
}

func (s *SQLiteIndexStore) Destroy(ctx context.Context, layers ...models.Layer) error {
	for _, layer := range layers {
		base := s.path(layer)
		for _, p := range []string{base, base + "-wal", base + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", p, err)
			}
		}
		s.logger.Warn("Persisted index removed", zap.String("layer", string(layer)), zap.String("path", base))
	}
	return nil
}

func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
