// Package history is the engine core: a bounded, ordered list of captured
// clipboard entries with per-entry enrichment fan-out and debounced
// persistence. The Store is the single writer of all entry state.
package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/rudskoy/clipmind/internal/clipboard"
	"github.com/rudskoy/clipmind/internal/enrich"
	"github.com/rudskoy/clipmind/internal/prompt"
)

// Entry is one captured clipboard payload plus its derived enrichment state.
// The fields under "immutable" never change after capture. Everything else
// is mutated only by the Store under its lock; observers always receive
// deep copies.
type Entry struct {
	// Immutable at capture.
	ID         string
	Payload    clipboard.Payload
	Alternates map[string]clipboard.Payload
	SourceApp  string
	CapturedAt time.Time
	// AutoAnalyzeImage records the image-analysis toggle value at capture
	// time. It is read once when the entry is created and never again, so
	// flipping the toggle later does not retroactively affect old entries.
	AutoAnalyzeImage bool

	// Mutable, owned by the Store.
	Results      map[prompt.Kind]enrich.Result
	SelectedKind prompt.Kind

	// InFlight marks kinds with a running task. Ephemeral: never persisted,
	// and at no instant may a kind appear in both InFlight and Results.
	InFlight map[prompt.Kind]bool

	ImageDescription *enrich.Result
	ImageInFlight    bool // ephemeral

	DetectedLanguage  string
	TargetLanguage    string
	Translations      map[string]enrich.Result
	DetectInFlight    bool            // ephemeral
	TranslateInFlight map[string]bool // ephemeral
}

// newEntry creates an empty entry for a captured change.
func newEntry(change clipboard.Change, analyzeImages bool) *Entry {
	capturedAt := change.OccurredAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	var alternates map[string]clipboard.Payload
	if len(change.Alternates) > 0 {
		alternates = make(map[string]clipboard.Payload, len(change.Alternates))
		for label, p := range change.Alternates {
			alternates[label] = p
		}
	}
	return &Entry{
		ID:                uuid.NewString(),
		Payload:           change.Primary,
		Alternates:        alternates,
		SourceApp:         change.SourceApp,
		CapturedAt:        capturedAt,
		AutoAnalyzeImage:  analyzeImages,
		Results:           make(map[prompt.Kind]enrich.Result),
		InFlight:          make(map[prompt.Kind]bool),
		Translations:      make(map[string]enrich.Result),
		TranslateInFlight: make(map[string]bool),
	}
}

// normalize readies a deserialized entry for the Store: nil maps become
// empty ones and every in-flight mark is dropped, because no task can have
// survived the process that wrote the snapshot.
func (e *Entry) normalize() {
	if e.Results == nil {
		e.Results = make(map[prompt.Kind]enrich.Result)
	}
	if e.Translations == nil {
		e.Translations = make(map[string]enrich.Result)
	}
	e.InFlight = make(map[prompt.Kind]bool)
	e.TranslateInFlight = make(map[string]bool)
	e.ImageInFlight = false
	e.DetectInFlight = false
}

// snapshot returns a deep copy safe to hand outside the Store's lock.
func (e *Entry) snapshot() Entry {
	out := *e

	if e.Alternates != nil {
		out.Alternates = make(map[string]clipboard.Payload, len(e.Alternates))
		for label, p := range e.Alternates {
			cp := p
			if p.Data != nil {
				cp.Data = append([]byte(nil), p.Data...)
			}
			out.Alternates[label] = cp
		}
	}
	if e.Payload.Data != nil {
		out.Payload.Data = append([]byte(nil), e.Payload.Data...)
	}

	out.Results = make(map[prompt.Kind]enrich.Result, len(e.Results))
	for k, r := range e.Results {
		out.Results[k] = r
	}
	out.InFlight = make(map[prompt.Kind]bool, len(e.InFlight))
	for k, v := range e.InFlight {
		out.InFlight[k] = v
	}
	out.Translations = make(map[string]enrich.Result, len(e.Translations))
	for k, r := range e.Translations {
		out.Translations[k] = r
	}
	out.TranslateInFlight = make(map[string]bool, len(e.TranslateInFlight))
	for k, v := range e.TranslateInFlight {
		out.TranslateInFlight[k] = v
	}
	if e.ImageDescription != nil {
		desc := *e.ImageDescription
		out.ImageDescription = &desc
	}
	return out
}

// enrichedFor reports whether every given kind already has a result. Error
// results count: a failed kind is complete, not pending.
func (e *Entry) enrichedFor(kinds []prompt.Kind) bool {
	for _, k := range kinds {
		if _, ok := e.Results[k]; !ok {
			return false
		}
	}
	return true
}

// processing reports whether any task for this entry is in flight.
func (e *Entry) processing() bool {
	return len(e.InFlight) > 0 || e.ImageInFlight || e.DetectInFlight || len(e.TranslateInFlight) > 0
}

// State is the derived per-entry enrichment lifecycle stage.
type State int

const (
	// StateNew means nothing has run yet.
	StateNew State = iota
	// StateEnriching means at least one task is in flight.
	StateEnriching
	// StatePartiallyEnriched means some, not all, configured kinds have
	// results and nothing is running.
	StatePartiallyEnriched
	// StateFullyEnriched means every configured kind has a result. There is
	// no failure state: an error result completes its kind.
	StateFullyEnriched
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateEnriching:
		return "enriching"
	case StatePartiallyEnriched:
		return "partially-enriched"
	case StateFullyEnriched:
		return "fully-enriched"
	default:
		return "unknown"
	}
}

// State computes the lifecycle stage against the configured kind set.
func (e *Entry) State(kinds []prompt.Kind) State {
	if e.processing() {
		return StateEnriching
	}
	if len(e.Results) == 0 && e.ImageDescription == nil && len(e.Translations) == 0 {
		return StateNew
	}
	if len(kinds) > 0 && e.enrichedFor(kinds) {
		return StateFullyEnriched
	}
	return StatePartiallyEnriched
}
