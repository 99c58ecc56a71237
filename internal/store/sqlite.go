package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS posts (
	post_id      TEXT PRIMARY KEY,
	content      TEXT NOT NULL DEFAULT '',
	object       TEXT NOT NULL DEFAULT '',
	object_id    TEXT NOT NULL DEFAULT '',
	published_at DATETIME
);

CREATE TABLE IF NOT EXISTS analyses (
	post_id     TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	tonality    TEXT NOT NULL DEFAULT 'unknown',
	model_used  TEXT NOT NULL DEFAULT '',
	analyzed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	post_ids       TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_published_at ON posts(published_at);
CREATE INDEX IF NOT EXISTS idx_posts_object_id ON posts(object_id);
CREATE INDEX IF NOT EXISTS idx_analyses_tonality ON analyses(tonality);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Posts

func (s *SQLiteStore) FindPostByID(ctx context.Context, id string) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, content, object, object_id, published_at FROM posts WHERE post_id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find post %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertPosts(ctx context.Context, posts []model.Post) (int64, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert posts")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO posts (post_id, content, object, object_id, published_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (post_id) DO UPDATE SET
		   content = excluded.content, object = excluded.object,
		   object_id = excluded.object_id, published_at = excluded.published_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert posts")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, p := range dedupePosts(posts) {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Content, p.Entity, p.EntityID, nullTime(p.PublishedAt)); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert post %s", p.ID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert posts")
	}
	return n, nil
}

func (s *SQLiteStore) ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error) {
	query := `SELECT p.post_id, p.content, p.object, p.object_id, p.published_at FROM posts p`
	var args []any

	if filter.Tonality != "" {
		query += ` JOIN analyses a ON a.post_id = p.post_id AND a.tonality = ?`
		args = append(args, string(filter.Tonality))
	}
	query += ` WHERE 1=1`

	if len(filter.IDs) > 0 {
		query += ` AND p.post_id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if !filter.From.IsZero() {
		query += ` AND p.published_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND p.published_at <= ?`
		args = append(args, filter.To.UTC())
	}
	if filter.Search != "" {
		query += ` AND (p.content LIKE ? OR p.object LIKE ?)`
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	if filter.EntityID != "" {
		query += ` AND p.object_id = ?`
		args = append(args, filter.EntityID)
	}
	query += ` ORDER BY p.published_at, p.post_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list posts")
	}
	defer rows.Close() //nolint:errcheck

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan post")
		}
		posts = append(posts, *p)
	}
	return posts, eris.Wrap(rows.Err(), "sqlite: list posts iterate")
}

// Analyses

func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, a model.Analysis) error {
	if a.PostID == "" {
		return eris.New("sqlite: analysis has no post id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (post_id, title, description, tonality, model_used, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (post_id) DO UPDATE SET
		   title = excluded.title, description = excluded.description, tonality = excluded.tonality,
		   model_used = excluded.model_used, analyzed_at = excluded.analyzed_at`,
		a.PostID, a.Title, a.Description, string(a.Tonality), a.ModelUsed, a.AnalyzedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert analysis %s", a.PostID)
}

func (s *SQLiteStore) UpsertAnalyses(ctx context.Context, as []model.Analysis) (int, error) {
	return upsertEach(ctx, as, s.UpsertAnalysis)
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, postID string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, title, description, tonality, model_used, analyzed_at FROM analyses WHERE post_id = ?`, postID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get analysis %s", postID)
	}
	return a, nil
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	query := `SELECT post_id, title, description, tonality, model_used, analyzed_at FROM analyses WHERE 1=1`
	var args []any

	if len(filter.PostIDs) > 0 {
		query += ` AND post_id IN (` + placeholders(len(filter.PostIDs)) + `)`
		for _, id := range filter.PostIDs {
			args = append(args, id)
		}
	}
	if filter.Tonality != "" {
		query += ` AND tonality = ?`
		args = append(args, string(filter.Tonality))
	}
	if filter.Model != "" {
		query += ` AND model_used = ?`
		args = append(args, filter.Model)
	}
	query += ` ORDER BY analyzed_at DESC, post_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	idsJSON, err := json.Marshal(entry.PostIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq post ids")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, post_ids, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   post_ids = excluded.post_ids, error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(idsJSON), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, post_ids, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue WHERE retry_count < max_retries`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var idsJSON string
		if err := rows.Scan(&e.ID, &idsJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(idsJSON), &e.PostIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq post ids")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET retry_count = retry_count + 1, error = ?, last_failed_at = ? WHERE id = ?`,
		lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPost(row scannable) (*model.Post, error) {
	var p model.Post
	var published sql.NullTime
	if err := row.Scan(&p.ID, &p.Content, &p.Entity, &p.EntityID, &published); err != nil {
		return nil, err
	}
	if published.Valid {
		p.PublishedAt = published.Time.UTC()
	}
	return &p, nil
}

func scanAnalysis(row scannable) (*model.Analysis, error) {
	var a model.Analysis
	var tonality string
	if err := row.Scan(&a.PostID, &a.Title, &a.Description, &tonality, &a.ModelUsed, &a.AnalyzedAt); err != nil {
		return nil, err
	}
	a.Tonality = model.Tonality(tonality)
	a.AnalyzedAt = a.AnalyzedAt.UTC()
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
