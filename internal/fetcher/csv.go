package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions controls how StreamCSV splits records. Zero values mean comma
// separated, no comments, strict quoting.
type CSVOptions struct {
	Delimiter  rune
	Comment    rune
	LazyQuotes bool
}

func (o CSVOptions) reader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	if o.Delimiter != 0 {
		cr.Comma = o.Delimiter
	}
	cr.Comment = o.Comment
	cr.LazyQuotes = o.LazyQuotes
	cr.FieldsPerRecord = -1
	return cr
}

// StreamCSV emits CSV records with every field trimmed. Rows may differ in
// length; rowsToPosts decides what a short row means.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	cr := opts.reader(r)
	return stream(ctx, "csv", func(emit func([]string) error) error {
		for ctx.Err() == nil {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return eris.Wrap(err, "csv: read row")
			}
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}
			if err := emit(record); err != nil {
				return err
			}
		}
		return eris.Wrap(ctx.Err(), "csv: context cancelled")
	})
}
