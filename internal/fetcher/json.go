package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// maxLineBytes bounds a single JSON Lines record.
const maxLineBytes = 16 << 20

// DecodeJSONArray emits the elements of a top-level JSON array without
// holding the whole document. Empty input yields nothing.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	dec := json.NewDecoder(r)
	return stream(ctx, "json", func(emit func(T) error) error {
		tok, err := dec.Token()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return eris.Wrap(err, "json: read array start")
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return eris.Errorf("json: expected '[', got %v", tok)
		}

		for dec.More() {
			var v T
			if err := dec.Decode(&v); err != nil {
				return eris.Wrap(err, "json: decode element")
			}
			if err := emit(v); err != nil {
				return err
			}
		}

		if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
			return eris.Wrap(err, "json: read array end")
		}
		return nil
	})
}

// DecodeJSONLines emits one JSON value per non-blank line. Decode errors
// name the offending line.
func DecodeJSONLines[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return stream(ctx, "jsonl", func(emit func(T) error) error {
		for n := 1; sc.Scan(); n++ {
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return eris.Wrapf(err, "jsonl: decode line %d", n)
			}
			if err := emit(v); err != nil {
				return err
			}
		}
		if err := sc.Err(); err != nil {
			return eris.Wrap(err, "jsonl: scan")
		}
		return nil
	})
}
