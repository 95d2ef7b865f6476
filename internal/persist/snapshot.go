// Package persist stores the history as one versioned JSON document on
// disk. Saves write a temp file in the target directory and rename it over
// the snapshot, so a crash mid-write always leaves the previous snapshot
// intact. Ephemeral per-entry state (in-flight marks) is never serialized;
// result errors flatten to strings.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rudskoy/clipmind/internal/clipboard"
	"github.com/rudskoy/clipmind/internal/enrich"
	"github.com/rudskoy/clipmind/internal/history"
	"github.com/rudskoy/clipmind/internal/prompt"
)

var (
	// ErrRead means the snapshot exists but cannot be used: malformed JSON,
	// or a version this build does not know how to migrate.
	ErrRead = errors.New("history snapshot unreadable")

	// ErrWrite means the snapshot could not be written to disk.
	ErrWrite = errors.New("history snapshot not written")
)

// currentVersion is the document version this build writes.
const currentVersion = 1

type document struct {
	Version int              `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Entries []persistedEntry `json:"entries"`
}

type persistedEntry struct {
	ID               string                       `json:"id"`
	Payload          clipboard.Payload            `json:"payload"`
	Alternates       map[string]clipboard.Payload `json:"alternates,omitempty"`
	SourceApp        string                       `json:"source_app,omitempty"`
	CapturedAt       time.Time                    `json:"captured_at"`
	AutoAnalyzeImage bool                         `json:"auto_analyze_image,omitempty"`
	Results          map[string]persistedResult   `json:"results,omitempty"`
	SelectedKind     string                       `json:"selected_kind,omitempty"`
	ImageDescription *persistedResult             `json:"image_description,omitempty"`
	DetectedLanguage string                       `json:"detected_language,omitempty"`
	TargetLanguage   string                       `json:"target_language,omitempty"`
	Translations     map[string]persistedResult   `json:"translations,omitempty"`
}

type persistedResult struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// migrations upgrade a decoded document one version step at a time, keyed by
// the version being upgraded from. Empty while version 1 is the only format.
var migrations = map[int]func(*document){}

// Snapshot reads and writes the history document at a fixed path. It
// implements history.Snapshotter.
type Snapshot struct {
	path string
	log  *zap.Logger
}

// NewSnapshot creates a snapshot adapter for the given file path.
func NewSnapshot(path string, log *zap.Logger) *Snapshot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Snapshot{path: path, log: log}
}

// Path returns the snapshot file location.
func (s *Snapshot) Path() string { return s.path }

// Save writes the full entry list, replacing any previous snapshot
// atomically.
func (s *Snapshot) Save(ctx context.Context, entries []history.Entry) error {
	doc := document{
		Version: currentVersion,
		SavedAt: time.Now().UTC(),
		Entries: make([]persistedEntry, 0, len(entries)),
	}
	for i := range entries {
		doc.Entries = append(doc.Entries, toPersisted(&entries[i]))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	s.log.Debug("history snapshot written",
		zap.Int("entries", len(entries)), zap.String("path", s.path))
	return nil
}

// Load reads the snapshot. A missing file is an empty history, not an
// error; a document from a newer build is refused.
func (s *Snapshot) Load(ctx context.Context) ([]history.Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	if doc.Version > currentVersion {
		return nil, fmt.Errorf("%w: snapshot version %d is newer than supported %d",
			ErrRead, doc.Version, currentVersion)
	}
	for doc.Version < currentVersion {
		step, ok := migrations[doc.Version]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from snapshot version %d", ErrRead, doc.Version)
		}
		step(&doc)
		doc.Version++
	}

	entries := make([]history.Entry, 0, len(doc.Entries))
	for i := range doc.Entries {
		entries = append(entries, fromPersisted(&doc.Entries[i]))
	}
	return entries, nil
}

// Clear removes the snapshot file; a missing file is already clear.
func (s *Snapshot) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func toPersisted(e *history.Entry) persistedEntry {
	out := persistedEntry{
		ID:               e.ID,
		Payload:          e.Payload,
		Alternates:       e.Alternates,
		SourceApp:        e.SourceApp,
		CapturedAt:       e.CapturedAt,
		AutoAnalyzeImage: e.AutoAnalyzeImage,
		SelectedKind:     string(e.SelectedKind),
		DetectedLanguage: e.DetectedLanguage,
		TargetLanguage:   e.TargetLanguage,
	}
	if len(e.Results) > 0 {
		out.Results = make(map[string]persistedResult, len(e.Results))
		for kind, r := range e.Results {
			out.Results[string(kind)] = toResult(r)
		}
	}
	if len(e.Translations) > 0 {
		out.Translations = make(map[string]persistedResult, len(e.Translations))
		for lang, r := range e.Translations {
			out.Translations[lang] = toResult(r)
		}
	}
	if e.ImageDescription != nil {
		r := toResult(*e.ImageDescription)
		out.ImageDescription = &r
	}
	return out
}

func fromPersisted(p *persistedEntry) history.Entry {
	e := history.Entry{
		ID:               p.ID,
		Payload:          p.Payload,
		Alternates:       p.Alternates,
		SourceApp:        p.SourceApp,
		CapturedAt:       p.CapturedAt,
		AutoAnalyzeImage: p.AutoAnalyzeImage,
		SelectedKind:     prompt.Kind(p.SelectedKind),
		DetectedLanguage: p.DetectedLanguage,
		TargetLanguage:   p.TargetLanguage,
	}
	if len(p.Results) > 0 {
		e.Results = make(map[prompt.Kind]enrich.Result, len(p.Results))
		for kind, r := range p.Results {
			e.Results[prompt.Kind(kind)] = fromResult(r)
		}
	}
	if len(p.Translations) > 0 {
		e.Translations = make(map[string]enrich.Result, len(p.Translations))
		for lang, r := range p.Translations {
			e.Translations[lang] = fromResult(r)
		}
	}
	if p.ImageDescription != nil {
		r := fromResult(*p.ImageDescription)
		e.ImageDescription = &r
	}
	return e
}

func toResult(r enrich.Result) persistedResult {
	out := persistedResult{Text: r.Text}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func fromResult(r persistedResult) enrich.Result {
	out := enrich.Result{Text: r.Text}
	if r.Error != "" {
		out.Err = errors.New(r.Error)
	}
	return out
}
