// Package fetcher loads posts from local files or HTTP(S) URLs in JSON,
// JSON Lines, YAML, CSV or XLSX form.
package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote post files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// IsRemote reports whether src names an HTTP(S) resource.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Open returns a reader for a local path or, through f, a remote URL.
func Open(ctx context.Context, f Fetcher, src string) (io.ReadCloser, error) {
	if IsRemote(src) {
		if f == nil {
			return nil, eris.Errorf("fetcher: no downloader for %s", src)
		}
		return f.Download(ctx, src)
	}
	file, err := os.Open(src)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: open file")
	}
	return file, nil
}
