// Package store persists worked examples: previously validated
// (question, SQL) pairs used as few-shot grounding for synthesis.
// Embeddings are computed lazily and cached back into the store; retrieval
// falls back to lexical scoring when no embedding can be produced.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates an operation on a worked example that does not
// exist.
var ErrNotFound = errors.New("example not found")

// EmbedFunc produces an embedding vector for a text. A nil EmbedFunc
// disables vector scoring entirely.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Example is a worked (question, SQL) pair.
type Example struct {
	ID        int64     `json:"id"`
	Question  string    `json:"question"`
	SQLText   string    `json:"sql_text"`
	Tags      []string  `json:"tags"`
	Notes     string    `json:"notes"`
	CreatedAt string    `json:"created_at"`
	Embedding []float64 `json:"-"`
}

// Scored is an example with its retrieval score.
type Scored struct {
	Example
	Score float64 `json:"score"`
}

// Store is the SQLite-backed worked-example store.
type Store struct {
	db     *sql.DB
	embed  EmbedFunc
	logger *zap.Logger

	// Serializes embedding backfill writes. Concurrent backfills of the
	// same row are idempotent anyway; this just keeps sqlite happy.
	backfillMu sync.Mutex
}

// Open initializes the store at the given path, creating the schema on
// first use. An embedding column is added to pre-existing databases.
func Open(path string, embed EmbedFunc, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open example store: %w", err)
	}

	s := &Store{db: db, embed: embed, logger: logger.Named("store")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sql_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question TEXT NOT NULL,
		sql_text TEXT NOT NULL,
		tags TEXT,
		notes TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create sql_examples table: %w", err)
	}

	// Older databases predate the embedding column.
	rows, err := s.db.Query(`PRAGMA table_info(sql_examples)`)
	if err != nil {
		return fmt.Errorf("inspect sql_examples: %w", err)
	}
	defer rows.Close()
	hasEmbedding := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == "embedding" {
			hasEmbedding = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasEmbedding {
		if _, err := s.db.Exec(`ALTER TABLE sql_examples ADD COLUMN embedding TEXT`); err != nil {
			return fmt.Errorf("add embedding column: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a worked example and returns its id. The question embedding
// is computed eagerly on a best-effort basis; embedding failures leave the
// column empty for lazy backfill later.
func (s *Store) Add(ctx context.Context, question, sqlText string, tags []string, notes string) (int64, error) {
	question = strings.TrimSpace(question)
	sqlText = strings.TrimSpace(sqlText)
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}

	var embeddingJSON sql.NullString
	if s.embed != nil {
		if vec, err := s.embed(ctx, question); err == nil {
			if data, err := json.Marshal(toFloat64(vec)); err == nil {
				embeddingJSON = sql.NullString{String: string(data), Valid: true}
			}
		} else {
			s.logger.Warn("embedding unavailable at insert, deferring", zap.Error(err))
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sql_examples (question, sql_text, tags, notes, embedding) VALUES (?, ?, ?, ?, ?)`,
		question, sqlText, string(tagsJSON), strings.TrimSpace(notes), embeddingJSON)
	if err != nil {
		return 0, fmt.Errorf("insert example: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// List returns up to limit examples, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, sql_text, tags, notes, created_at, embedding
		FROM sql_examples
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	defer rows.Close()

	var items []Example
	for rows.Next() {
		var ex Example
		var tagsJSON, notes, embeddingJSON sql.NullString
		if err := rows.Scan(&ex.ID, &ex.Question, &ex.SQLText, &tagsJSON, &notes, &ex.CreatedAt, &embeddingJSON); err != nil {
			return nil, err
		}
		ex.Tags = []string{}
		if tagsJSON.Valid && tagsJSON.String != "" {
			// Unparseable tags degrade to empty, never fail the listing.
			_ = json.Unmarshal([]byte(tagsJSON.String), &ex.Tags)
		}
		ex.Notes = notes.String
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			var vec []float64
			if err := json.Unmarshal([]byte(embeddingJSON.String), &vec); err == nil {
				ex.Embedding = vec
			}
		}
		items = append(items, ex)
	}
	return items, rows.Err()
}

// Delete removes a worked example. Returns ErrNotFound when no row has the
// given id; ids are never reused after deletion (AUTOINCREMENT).
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sql_examples WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete example: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// backfillEmbedding caches a computed embedding onto its row. Concurrent
// writers compute the same derived value, so last-writer-wins is fine.
func (s *Store) backfillEmbedding(ctx context.Context, id int64, vec []float64) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sql_examples SET embedding = ? WHERE id = ?`, string(data), id); err != nil {
		s.logger.Warn("embedding backfill failed", zap.Int64("id", id), zap.Error(err))
	}
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
