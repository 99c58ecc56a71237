package fetcher

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// Format identifies a post file encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// publishedLayouts are tried in order for tabular published_at cells.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
}

// columnAliases maps accepted tabular headers to post fields.
var columnAliases = map[string]string{
	"post_id":      "post_id",
	"id":           "post_id",
	"content":      "content",
	"text":         "content",
	"object":       "object",
	"entity":       "object",
	"object_id":    "object_id",
	"entity_id":    "object_id",
	"published_at": "published_at",
	"date":         "published_at",
}

// DetectFormat infers the encoding from the file extension of a path or URL.
func DetectFormat(src string) (Format, error) {
	p := src
	if IsRemote(src) {
		if u, err := url.Parse(src); err == nil {
			p = u.Path
		}
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("fetcher: unsupported post file %q", src)
	}
}

// ReadPosts loads posts from a local path or URL. Posts without an id are
// dropped with a warning.
func ReadPosts(ctx context.Context, f Fetcher, src string) ([]model.Post, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return nil, err
	}

	r, err := Open(ctx, f, src)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	posts, err := DecodePosts(ctx, r, format)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", src)
	}
	return posts, nil
}

// DecodePosts decodes posts in the given format.
func DecodePosts(ctx context.Context, r io.Reader, format Format) ([]model.Post, error) {
	var (
		posts []model.Post
		err   error
	)
	switch format {
	case FormatJSON:
		posts, err = drain(DecodeJSONArray[model.Post](ctx, r))
	case FormatJSONL:
		posts, err = drain(DecodeJSONLines[model.Post](ctx, r))
	case FormatYAML:
		if derr := yaml.NewDecoder(r).Decode(&posts); derr != nil && derr != io.EOF {
			err = eris.Wrap(derr, "yaml: decode posts")
		}
	case FormatCSV:
		var rows [][]string
		rows, err = drain(StreamCSV(ctx, r, CSVOptions{LazyQuotes: true}))
		if err == nil {
			posts, err = rowsToPosts(rows)
		}
	case FormatXLSX:
		var rows [][]string
		rows, err = ReadXLSX(r, XLSXOptions{})
		if err == nil {
			posts, err = rowsToPosts(rows)
		}
	default:
		return nil, eris.Errorf("fetcher: unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return withIDs(posts), nil
}

// drain collects a stream and its terminal error.
func drain[T any](outCh <-chan T, errCh <-chan error) ([]T, error) {
	var out []T
	for item := range outCh {
		out = append(out, item)
	}
	for err := range errCh {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func withIDs(posts []model.Post) []model.Post {
	out := posts[:0]
	for _, p := range posts {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			zap.L().Warn("fetcher: skipping post without id", zap.String("object", p.Entity))
			continue
		}
		out = append(out, p)
	}
	return out
}

// rowsToPosts maps a header row plus data rows to posts. The header must
// name a post_id column; unknown columns are ignored.
func rowsToPosts(rows [][]string) ([]model.Post, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make(map[string]int)
	for i, h := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := columnAliases[name]; ok {
			if _, seen := columns[field]; !seen {
				columns[field] = i
			}
		}
	}
	if _, ok := columns["post_id"]; !ok {
		return nil, eris.Errorf("fetcher: header %v has no post_id column", rows[0])
	}

	cell := func(row []string, field string) string {
		i, ok := columns[field]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	posts := make([]model.Post, 0, len(rows)-1)
	for n, row := range rows[1:] {
		p := model.Post{
			ID:       cell(row, "post_id"),
			Content:  cell(row, "content"),
			Entity:   cell(row, "object"),
			EntityID: cell(row, "object_id"),
		}
		if raw := cell(row, "published_at"); raw != "" {
			t, err := parsePublished(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "fetcher: row %d", n+2)
			}
			p.PublishedAt = t
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func parsePublished(raw string) (time.Time, error) {
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized published_at %q", raw)
}
