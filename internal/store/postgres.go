package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/internal/db"
	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const upsertAnalysisSQL = `INSERT INTO analyses (post_id, title, description, tonality, model_used, analyzed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (post_id) DO UPDATE SET
  title = EXCLUDED.title, description = EXCLUDED.description, tonality = EXCLUDED.tonality,
  model_used = EXCLUDED.model_used, analyzed_at = EXCLUDED.analyzed_at`

var postsUpsert = db.UpsertConfig{
	Table:        "posts",
	Columns:      []string{"post_id", "content", "object", "object_id", "published_at"},
	ConflictKeys: []string{"post_id"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS posts (
	post_id      TEXT PRIMARY KEY,
	content      TEXT NOT NULL DEFAULT '',
	object       TEXT NOT NULL DEFAULT '',
	object_id    TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS analyses (
	post_id     TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	tonality    TEXT NOT NULL DEFAULT 'unknown',
	model_used  TEXT NOT NULL DEFAULT '',
	analyzed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	post_ids       JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_posts_published_at ON posts(published_at);
CREATE INDEX IF NOT EXISTS idx_posts_object_id ON posts(object_id);
CREATE INDEX IF NOT EXISTS idx_analyses_tonality ON analyses(tonality);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Posts

func (s *PostgresStore) FindPostByID(ctx context.Context, id string) (*model.Post, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT post_id, content, object, object_id, published_at FROM posts WHERE post_id = $1`, id)
	p, err := scanPgPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find post %s", id)
	}
	return p, nil
}

// UpsertPosts loads posts through a COPY-staged bulk upsert.
func (s *PostgresStore) UpsertPosts(ctx context.Context, posts []model.Post) (int64, error) {
	posts = dedupePosts(posts)
	rows := make([][]any, len(posts))
	for i, p := range posts {
		var published *time.Time
		if !p.PublishedAt.IsZero() {
			t := p.PublishedAt.UTC()
			published = &t
		}
		rows[i] = []any{p.ID, p.Content, p.Entity, p.EntityID, published}
	}

	n, err := db.BulkUpsert(ctx, s.pool, postsUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert posts")
}

func (s *PostgresStore) ListPosts(ctx context.Context, filter model.PostFilter) ([]model.Post, error) {
	query := `SELECT p.post_id, p.content, p.object, p.object_id, p.published_at FROM posts p`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Tonality != "" {
		query += ` JOIN analyses a ON a.post_id = p.post_id AND a.tonality = ` + arg(string(filter.Tonality))
	}
	query += ` WHERE 1=1`

	if len(filter.IDs) > 0 {
		query += ` AND p.post_id = ANY(` + arg(filter.IDs) + `)`
	}
	if !filter.From.IsZero() {
		query += ` AND p.published_at >= ` + arg(filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND p.published_at <= ` + arg(filter.To.UTC())
	}
	if filter.Search != "" {
		like := arg("%" + filter.Search + "%")
		query += ` AND (p.content ILIKE ` + like + ` OR p.object ILIKE ` + like + `)`
	}
	if filter.EntityID != "" {
		query += ` AND p.object_id = ` + arg(filter.EntityID)
	}
	query += ` ORDER BY p.published_at NULLS FIRST, p.post_id LIMIT ` + arg(limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list posts")
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPgPost(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan post")
		}
		posts = append(posts, *p)
	}
	return posts, eris.Wrap(rows.Err(), "postgres: list posts iterate")
}

// Analyses

func (s *PostgresStore) UpsertAnalysis(ctx context.Context, a model.Analysis) error {
	if a.PostID == "" {
		return eris.New("postgres: analysis has no post id")
	}
	_, err := s.pool.Exec(ctx, upsertAnalysisSQL,
		a.PostID, a.Title, a.Description, string(a.Tonality), a.ModelUsed, a.AnalyzedAt.UTC())
	return eris.Wrapf(err, "postgres: upsert analysis %s", a.PostID)
}

func (s *PostgresStore) UpsertAnalyses(ctx context.Context, as []model.Analysis) (int, error) {
	return upsertEach(ctx, as, s.UpsertAnalysis)
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, postID string) (*model.Analysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT post_id, title, description, tonality, model_used, analyzed_at FROM analyses WHERE post_id = $1`, postID)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get analysis %s", postID)
	}
	return a, nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	query := `SELECT post_id, title, description, tonality, model_used, analyzed_at FROM analyses WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.PostIDs) > 0 {
		query += ` AND post_id = ANY(` + arg(filter.PostIDs) + `)`
	}
	if filter.Tonality != "" {
		query += ` AND tonality = ` + arg(string(filter.Tonality))
	}
	if filter.Model != "" {
		query += ` AND model_used = ` + arg(filter.Model)
	}
	query += ` ORDER BY analyzed_at DESC, post_id LIMIT ` + arg(limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	idsJSON, err := json.Marshal(entry.PostIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq post ids")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, post_ids, error, error_type, retry_count, max_retries, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   post_ids = $2, error = $3, error_type = $4, retry_count = $5, last_failed_at = $8`,
		entry.ID, idsJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, post_ids, error, error_type, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var idsJSON []byte
		if err := rows.Scan(&e.ID, &idsJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(idsJSON, &e.PostIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq post ids")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, error = $1, last_failed_at = now()
		 WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgPost(row scannable) (*model.Post, error) {
	var p model.Post
	var published *time.Time
	if err := row.Scan(&p.ID, &p.Content, &p.Entity, &p.EntityID, &published); err != nil {
		return nil, err
	}
	if published != nil {
		p.PublishedAt = published.UTC()
	}
	return &p, nil
}
