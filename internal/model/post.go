package model

import (
	"strings"
	"time"
)

// Post is a single piece of media content submitted for analysis.
type Post struct {
	ID          string    `json:"post_id" yaml:"post_id"`
	Content     string    `json:"content" yaml:"content"`
	Entity      string    `json:"object" yaml:"object"`                                   // principal named subject
	EntityID    string    `json:"object_id,omitempty" yaml:"object_id,omitempty"`         // data-source filtering only
	PublishedAt time.Time `json:"published_at,omitempty" yaml:"published_at,omitempty"` // data-source filtering only
}

// Batch is an ordered group of posts sent to the model in one request.
// A Cached batch groups posts answered from the consistency cache and is
// never sent to the model.
type Batch struct {
	Index  int    `json:"index"`
	Posts  []Post `json:"posts"`
	Cached bool   `json:"cached,omitempty"`
}

// Len returns the number of posts in the batch.
func (b Batch) Len() int {
	return len(b.Posts)
}

// IDs returns the post ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Posts))
	for i, p := range b.Posts {
		ids[i] = p.ID
	}
	return ids
}

// Tonality is the sentiment classification of a post.
type Tonality string

const (
	TonalityNegative Tonality = "negative"
	TonalityNeutral  Tonality = "neutral"
	TonalityPositive Tonality = "positive"
	TonalityUnknown  Tonality = "unknown"
)

// Valid reports whether t is one of the known tonality values.
func (t Tonality) Valid() bool {
	switch t {
	case TonalityNegative, TonalityNeutral, TonalityPositive, TonalityUnknown:
		return true
	}
	return false
}

// ParseTonality maps free model text ("негативная", "Positive.", "нейтральный тон")
// to a Tonality by word stem. Anything unrecognized is TonalityUnknown.
func ParseTonality(s string) Tonality {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "негатив"), strings.Contains(s, "negativ"):
		return TonalityNegative
	case strings.Contains(s, "позитив"), strings.Contains(s, "positiv"):
		return TonalityPositive
	case strings.Contains(s, "нейтрал"), strings.Contains(s, "neutral"):
		return TonalityNeutral
	default:
		return TonalityUnknown
	}
}

// AnalysisResult is one per-post record extracted from a model response.
// Fields the model did not supply are left empty.
type AnalysisResult struct {
	PostID      string `json:"post_id"`
	Tonality    string `json:"tonality"` // as written by the model
	Description string `json:"description"`
	Title       string `json:"title"`
}

// NormalizedTonality returns the enum value for the raw tonality text.
func (r AnalysisResult) NormalizedTonality() Tonality {
	return ParseTonality(r.Tonality)
}

// Empty reports whether none of the analysis fields were extracted.
func (r AnalysisResult) Empty() bool {
	return r.Tonality == "" && r.Description == "" && r.Title == ""
}

// Template returns a copy of r without its post id, suitable for reuse
// against near-duplicate posts.
func (r AnalysisResult) Template() AnalysisResult {
	r.PostID = ""
	return r
}

// WithPostID returns a copy of r bound to the given post.
func (r AnalysisResult) WithPostID(id string) AnalysisResult {
	r.PostID = id
	return r
}

// Analysis is the persisted form of an AnalysisResult.
type Analysis struct {
	PostID      string    `json:"post_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tonality    Tonality  `json:"tonality"`
	ModelUsed   string    `json:"model_used"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// NewAnalysis converts a parsed result into its stored form.
func NewAnalysis(r AnalysisResult, modelUsed string, at time.Time) Analysis {
	return Analysis{
		PostID:      r.PostID,
		Title:       r.Title,
		Description: r.Description,
		Tonality:    r.NormalizedTonality(),
		ModelUsed:   modelUsed,
		AnalyzedAt:  at.UTC(),
	}
}

// PostFilter selects posts from the data source. Zero values are ignored.
type PostFilter struct {
	IDs      []string  `json:"ids,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	Search   string    `json:"search,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	Tonality Tonality  `json:"tonality,omitempty"` // matches the stored analysis
	Limit    int       `json:"limit,omitempty"`
}
