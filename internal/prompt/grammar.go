// Package prompt renders post batches into model prompts and parses the
// model's free-text replies back into per-post results.
//
// The response grammar requested by Build and the patterns accepted by Parse
// are one contract; change them together.
package prompt

import "regexp"

// Response grammar labels.
const (
	BlockMarker      = "### АНАЛИЗ ПОСТА"
	TonalityLabel    = "Тональность"
	DescriptionLabel = "Краткое описание"
	TitleLabel       = "Заголовок"
)

// Request body labels.
const (
	groupHeader        = "--- Группа постов о '%s' ---"
	postHeader         = "--- Пост %d (ID: %s) ---"
	emptyContentText   = "Контент отсутствует"
	unknownEntityLabel = "неизвестно"
)

const (
	// MinResponseLength is the shortest reply (in characters) worth parsing.
	MinResponseLength = 50

	// LongPromptChars is the prompt size above which providers start to
	// reject or truncate requests.
	LongPromptChars = 100000
)

// Pieces shared by the label patterns. Models often decorate labels with
// markdown emphasis or list bullets, and use a dash instead of a colon.
const (
	linePrefix = `(?m)^[ \t>*_#-]*`
	labelSep   = `[ \t*_]*[:\-–—][ \t*_]*`
	sameLine   = `([^\n]+)`
)

var (
	primaryMarkerRe = regexp.MustCompile(`#{2,4}\s*АНАЛИЗ\s+ПОСТА\s*`)

	alternativeMarkerRes = []*regexp.Regexp{
		regexp.MustCompile(`Анализ\s+поста\s+`),
		regexp.MustCompile(`Пост\s+\d+:`),
		regexp.MustCompile(`(?i)Post\s+analysis\s+`),
	}

	// blockSplitRe introduces a per-post block: the primary marker or any
	// alternative. The rest of the marker line stays with the block as its
	// heading.
	blockSplitRe = regexp.MustCompile(
		`#{2,4}[ \t]*АНАЛИЗ\s+ПОСТА[ \t]*|Анализ\s+поста[ \t]+|Пост\s+\d+:|(?i:Post\s+analysis[ \t]+)`,
	)

	postIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)post_id` + labelSep + sameLine),
		regexp.MustCompile(`\bID\s*:\s*` + sameLine),
	}
	firstNumberRe = regexp.MustCompile(`\d+`)

	tonalityPatterns = []*regexp.Regexp{
		regexp.MustCompile(linePrefix + `Тональность` + labelSep + sameLine),
		regexp.MustCompile(linePrefix + `Тон[^:\n]*:[ \t*_]*` + sameLine),
		regexp.MustCompile(linePrefix + `(?i:Sentiment|Tonality)` + labelSep + sameLine),
	}

	descriptionLabelRes = []*regexp.Regexp{
		regexp.MustCompile(linePrefix + `Краткое описание` + labelSep),
		regexp.MustCompile(linePrefix + `Описание` + labelSep),
		regexp.MustCompile(linePrefix + `Краткое содержание` + labelSep),
		regexp.MustCompile(linePrefix + `(?i:Description|Summary)` + labelSep),
	}

	// descriptionEndRe marks the first label that may follow a description.
	descriptionEndRe = regexp.MustCompile(
		linePrefix + `(?:Заголовок|Тема|Тональность|(?i:Title|Sentiment|Tonality))` + labelSep,
	)

	titlePatterns = []*regexp.Regexp{
		regexp.MustCompile(linePrefix + `Заголовок` + labelSep + sameLine),
		regexp.MustCompile(linePrefix + `Тема` + labelSep + sameLine),
		regexp.MustCompile(linePrefix + `(?i:Title)` + labelSep + sameLine),
	}
)
