// Package prompt renders backend requests for each enrichment kind and
// normalizes the raw responses that come back. Everything here is pure:
// rendering is deterministic per kind with a single content substitution,
// and parsing never fails; malformed responses degrade to best-effort text.
package prompt

import (
	"fmt"
	"strings"
)

// Kind names one enrichment a backend can produce for an entry.
type Kind string

const (
	KindGrammar       Kind = "grammar"
	KindTags          Kind = "tags"
	KindClassify      Kind = "classify"
	KindAnalyze       Kind = "analyze"
	KindCustom        Kind = "custom"
	KindDetectLang    Kind = "detect-language"
	KindTranslate     Kind = "translate"
	KindDescribeImage Kind = "describe-image"
)

// EnrichmentKinds are the kinds eligible for per-entry fan-out. Language
// detection, translation, and image description run on their own paths.
var EnrichmentKinds = []Kind{KindGrammar, KindTags, KindClassify, KindAnalyze, KindCustom}

// MaxTags caps how many tags a single response may contribute.
const MaxTags = 5

// ContentMarker is the substitution point in a custom instruction template.
const ContentMarker = "{content}"

// Prompt is a rendered backend request.
type Prompt struct {
	System string
	User   string
}

// Input carries everything Render needs. Language applies to KindTranslate,
// Template to KindCustom; both are ignored elsewhere.
type Input struct {
	Kind     Kind
	Content  string
	Language string
	Template string
}

const (
	grammarSystem = "You are a careful copy editor."
	grammarUser   = "Correct any spelling, grammar, and punctuation mistakes in the following text. Preserve the original meaning, tone, and formatting. Output only the corrected text.\n\n%s"

	tagsSystem = "You label clipboard snippets."
	tagsUser   = "List up to 5 short lowercase tags describing the following content. Respond with the tags only, separated by commas.\n\n%s"

	classifySystem = "You classify clipboard snippets."
	classifyUser   = "Classify the following content with a single lowercase word (for example: code, prose, url, email, data). Respond with the word only.\n\n%s"

	analyzeSystem = "You analyze clipboard snippets and respond only in JSON."
	analyzeUser   = "Analyze the following content. Respond with a single JSON object with exactly these fields: \"summary\" (one sentence), \"contentType\" (one lowercase word), \"tags\" (array of up to 5 short strings). No other text.\n\n%s"

	customSystem = "You follow the user's instruction exactly. Output only the requested result."

	detectLangSystem = "You identify languages."
	detectLangUser   = "Identify the language of the following text. Respond with the two-letter ISO 639-1 code only.\n\n%s"

	translateSystem = "You are a translator."
	translateUser   = "Translate the following text into %s. Output only the translation, nothing else.\n\n%s"

	describeImageSystem = "You describe images for a clipboard manager."
	describeImageUser   = "Describe this image in one or two sentences, then list any text visible in it."

	defaultCustomTemplate = "Rewrite the following text to be clear and concise:\n\n" + ContentMarker
)

// Render builds the backend prompt for one enrichment request.
func Render(in Input) Prompt {
	switch in.Kind {
	case KindGrammar:
		return Prompt{System: grammarSystem, User: fmt.Sprintf(grammarUser, in.Content)}
	case KindTags:
		return Prompt{System: tagsSystem, User: fmt.Sprintf(tagsUser, in.Content)}
	case KindClassify:
		return Prompt{System: classifySystem, User: fmt.Sprintf(classifyUser, in.Content)}
	case KindAnalyze:
		return Prompt{System: analyzeSystem, User: fmt.Sprintf(analyzeUser, in.Content)}
	case KindCustom:
		return Prompt{System: customSystem, User: renderCustom(in.Template, in.Content)}
	case KindDetectLang:
		return Prompt{System: detectLangSystem, User: fmt.Sprintf(detectLangUser, in.Content)}
	case KindTranslate:
		lang := in.Language
		if lang == "" {
			lang = "English"
		}
		return Prompt{System: translateSystem, User: fmt.Sprintf(translateUser, lang, in.Content)}
	case KindDescribeImage:
		return Prompt{System: describeImageSystem, User: describeImageUser}
	default:
		return Prompt{User: in.Content}
	}
}

func renderCustom(template, content string) string {
	tpl := strings.TrimSpace(template)
	if tpl == "" {
		tpl = defaultCustomTemplate
	}
	if strings.Contains(tpl, ContentMarker) {
		return strings.ReplaceAll(tpl, ContentMarker, content)
	}
	return tpl + "\n\n" + content
}
