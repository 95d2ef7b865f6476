package prompt

import (
	"encoding/json"
	"strings"
)

// Analysis is the structured multi-field response of KindAnalyze.
type Analysis struct {
	Summary     string   `json:"summary"`
	ContentType string   `json:"contentType"`
	Tags        []string `json:"tags"`
}

// CustomResult is the cleaned response of KindCustom: the instruction output
// plus any tags the model volunteered on a trailing "tags:" line.
type CustomResult struct {
	Text string
	Tags []string
}

// Transform normalizes a raw backend response into its storable text form
// for the given kind. It never fails; unparseable responses degrade to
// trimmed raw text.
func Transform(kind Kind, raw string) string {
	switch kind {
	case KindClassify:
		return ParseClassify(raw)
	case KindTags:
		return strings.Join(ParseTags(raw), ", ")
	case KindAnalyze:
		a := ParseAnalysis(raw)
		b, err := json.Marshal(a)
		if err != nil {
			return a.Summary
		}
		return string(b)
	case KindCustom:
		return ParseCustom(raw).Text
	case KindDetectLang:
		return ParseLanguageCode(raw)
	default:
		return CleanText(raw)
	}
}

// ParseClassify lowers and trims the whole response. Models prompted for a
// single word occasionally shout; "  CODE  " still means "code".
func ParseClassify(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseTags splits a comma-separated response into at most MaxTags trimmed,
// non-empty tags.
func ParseTags(raw string) []string {
	return splitTags(raw)
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tags = append(tags, p)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}

// ParseAnalysis decodes the JSON object between the first "{" and the last
// "}" of the response. Individually missing or mistyped fields default to
// empty; only total decode failure falls back to the raw text as the
// summary.
func ParseAnalysis(raw string) Analysis {
	obj := extractJSONObject(raw)
	if obj == "" {
		return Analysis{Summary: strings.TrimSpace(raw)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return Analysis{Summary: strings.TrimSpace(raw)}
	}

	var a Analysis
	if v, ok := fields["summary"]; ok {
		_ = json.Unmarshal(v, &a.Summary)
	}
	if v, ok := fields["contentType"]; ok {
		_ = json.Unmarshal(v, &a.ContentType)
	}
	if v, ok := fields["tags"]; ok {
		_ = json.Unmarshal(v, &a.Tags)
	}
	if len(a.Tags) > MaxTags {
		a.Tags = a.Tags[:MaxTags]
	}
	return a
}

// extractJSONObject returns the substring from the first "{" to the last
// "}", or "" when no such span exists.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// echoPrefixes are preamble lines chatty models put before the real output.
var echoPrefixes = []string{
	"here is",
	"here's",
	"corrected text",
	"output only",
	"output:",
	"result:",
	"sure",
	"certainly",
}

// ParseCustom cleans a custom-instruction response: leading blank and echo
// lines are dropped, a trailing "tags:" line becomes the tag list, and
// emphasis/fence/bracket markers are stripped from what remains.
func ParseCustom(raw string) CustomResult {
	lines := strings.Split(raw, "\n")

	start := 0
	for start < len(lines) {
		trimmed := strings.TrimSpace(lines[start])
		if trimmed == "" || isEchoLine(trimmed) {
			start++
			continue
		}
		break
	}
	lines = lines[start:]

	var tags []string
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "" {
			lines = lines[:len(lines)-1]
			continue
		}
		if strings.HasPrefix(strings.ToLower(last), "tags:") {
			tags = splitTags(last[len("tags:"):])
			lines = lines[:len(lines)-1]
		}
		break
	}

	text := stripMarkers(strings.Join(lines, "\n"))
	return CustomResult{Text: text, Tags: tags}
}

func isEchoLine(line string) bool {
	low := strings.ToLower(line)
	for _, p := range echoPrefixes {
		if !strings.HasPrefix(low, p) {
			continue
		}
		rest := low[len(p):]
		if rest == "" {
			return true
		}
		switch rest[0] {
		case ' ', ',', ':', '!', '.':
			return true
		}
	}
	return false
}

// stripMarkers removes fence lines, literal "**" emphasis, and a bracket
// pair wrapping the whole response.
func stripMarkers(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") &&
		strings.Count(s, "[") == 1 && strings.Count(s, "]") == 1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// CleanText trims a prose response and unwraps it from a markdown code
// fence when the model insisted on one.
func CleanText(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl != -1 {
			rest := text[nl+1:]
			if end := strings.LastIndex(rest, "```"); end != -1 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	return text
}

// languageNames maps spelled-out language answers to ISO 639-1 codes.
var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"russian":    "ru",
	"japanese":   "ja",
	"chinese":    "zh",
	"korean":     "ko",
	"arabic":     "ar",
	"hindi":      "hi",
	"ukrainian":  "uk",
	"polish":     "pl",
	"turkish":    "tr",
}

// LanguageName spells out an ISO 639-1 code for use in a translation
// prompt; unknown codes pass through unchanged, which models handle fine.
func LanguageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	for name, c := range languageNames {
		if c == code {
			return strings.ToUpper(name[:1]) + name[1:]
		}
	}
	return code
}

// ParseLanguageCode normalizes a language-detection response to a short
// lowercase code: first token, punctuation trimmed, spelled-out names
// mapped, regional suffixes ("en-US") dropped.
func ParseLanguageCode(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return ""
	}
	token := strings.Trim(fields[0], ".,;:!\"'()`")
	if code, ok := languageNames[token]; ok {
		return code
	}
	if i := strings.IndexAny(token, "-_"); i == 2 {
		return token[:2]
	}
	return token
}
