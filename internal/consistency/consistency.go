// Package consistency reuses analyses across near-duplicate posts about the
// same entity so that repeated content gets identical tonality, description
// and title regardless of which batch it lands in.
package consistency

import (
	"context"
	"crypto/md5" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// PrefixRunes is how much of a post's content participates in its fingerprint.
const PrefixRunes = 200

// Cache stores analysis templates keyed by entity and content fingerprint.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Lookup returns the stored template for the entity/content pair. The
	// returned result carries no post id.
	Lookup(ctx context.Context, entity, content string) (model.AnalysisResult, bool)
	// Update stores result as the template for post. Last write wins.
	Update(ctx context.Context, post model.Post, result model.AnalysisResult)
}

// Fingerprint returns the hex MD5 of the lowercased first PrefixRunes runes
// of content.
func Fingerprint(content string) string {
	if utf8.RuneCountInString(content) > PrefixRunes {
		content = string([]rune(content)[:PrefixRunes])
	}
	sum := md5.Sum([]byte(cases.Lower(language.Und).String(content))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Key builds the cache key for a post. Posts about the same entity whose
// content shares the first PrefixRunes runes (ignoring case) map to the same
// key even if the rest differs.
func Key(entity, content string) string {
	return entity + ":" + Fingerprint(content)
}
