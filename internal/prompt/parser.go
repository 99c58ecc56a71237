package prompt

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// valueCutset strips markdown emphasis and template brackets the model
// sometimes copies around a value.
const valueCutset = " \t\r\n*_[]\"«»"

// idCutset additionally strips punctuation that surrounds ids in headings.
const idCutset = valueCutset + "#:()."

// Parse extracts per-post results from a model reply. Extraction degrades
// per field and per block: a malformed block is dropped without affecting
// its neighbours, and a reply with no recognizable block yields nil.
// Results are returned in block order.
func Parse(text string) []model.AnalysisResult {
	log := zap.L().With(zap.Int("response_chars", utf8.RuneCountInString(text)))

	if utf8.RuneCountInString(text) < MinResponseLength {
		log.Warn("prompt: response too short to parse", zap.String("response", text))
		return nil
	}

	if !hasBlockMarker(text, log) {
		log.Error("prompt: no post analysis markers found in response")
		return nil
	}

	parts := blockSplitRe.Split(text, -1)
	if preamble := strings.TrimSpace(parts[0]); preamble != "" {
		log.Debug("prompt: ignoring text before first block", zap.String("preamble", truncate(preamble, 200)))
	}

	var results []model.AnalysisResult
	for _, block := range parts[1:] {
		block = strings.TrimRight(block, " \t\r\n#")
		if strings.TrimSpace(block) == "" {
			continue
		}

		r, idFound := parseBlock(block)
		if r.Empty() && !idFound {
			log.Warn("prompt: could not extract any field from block", zap.String("block", truncate(block, 100)))
			continue
		}
		results = append(results, r)
	}

	log.Debug("prompt: parsed response", zap.Int("results", len(results)))
	return results
}

func hasBlockMarker(text string, log *zap.Logger) bool {
	if primaryMarkerRe.MatchString(text) {
		return true
	}
	log.Warn("prompt: response lacks primary marker", zap.String("marker", BlockMarker))
	for _, re := range alternativeMarkerRes {
		if re.MatchString(text) {
			log.Info("prompt: found alternative marker", zap.String("pattern", re.String()))
			return true
		}
	}
	return false
}

func parseBlock(block string) (model.AnalysisResult, bool) {
	id := extractPostID(block)
	return model.AnalysisResult{
		PostID:      id,
		Tonality:    firstMatch(block, tonalityPatterns),
		Description: extractDescription(block),
		Title:       firstMatch(block, titlePatterns),
	}, id != ""
}

// extractPostID prefers an explicitly labelled id, then the first token of
// the heading (the rest of the marker line), then the first number in the
// block.
func extractPostID(block string) string {
	for _, re := range postIDPatterns {
		if m := re.FindStringSubmatch(block); m != nil {
			if id := cleanID(m[1]); id != "" {
				return id
			}
		}
	}

	heading, _, _ := strings.Cut(block, "\n")
	if id := cleanID(heading); id != "" && !isLabelLine(heading) {
		return id
	}

	return firstNumberRe.FindString(block)
}

// cleanID keeps the first token of a heading such as "123 (Скоч Андрей)".
func cleanID(s string) string {
	fields := strings.Fields(strings.Trim(s, idCutset))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], idCutset)
}

// isLabelLine reports whether a line is a field rather than a heading,
// as happens when the model omits the id after the marker.
func isLabelLine(line string) bool {
	for _, patterns := range [][]*regexp.Regexp{tonalityPatterns, titlePatterns, descriptionLabelRes} {
		for _, re := range patterns {
			if re.MatchString(line) {
				return true
			}
		}
	}
	return false
}

func firstMatch(block string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(block); m != nil {
			if v := strings.Trim(m[1], valueCutset); v != "" {
				return v
			}
		}
	}
	return ""
}

// extractDescription returns the possibly multi-line description, ending at
// the next known label or at the end of the block.
func extractDescription(block string) string {
	for _, re := range descriptionLabelRes {
		loc := re.FindStringIndex(block)
		if loc == nil {
			continue
		}
		rest := block[loc[1]:]
		if end := descriptionEndRe.FindStringIndex(rest); end != nil {
			rest = rest[:end[0]]
		}
		if v := strings.Trim(rest, valueCutset); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
