package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rudskoy/clipmind/internal/clipboard"
	"github.com/rudskoy/clipmind/internal/config"
	"github.com/rudskoy/clipmind/internal/enrich"
	"github.com/rudskoy/clipmind/internal/prompt"
)

// ErrNotFound is returned by verbs addressed at an entry id that is no
// longer (or never was) in the history.
var ErrNotFound = errors.New("history: entry not found")

// Enricher is the slice of the enrichment service the store depends on.
type Enricher interface {
	Process(ctx context.Context, req enrich.Request) enrich.Result
	ProcessImage(ctx context.Context, image []byte) enrich.Result
	ClearCache()
	IsAvailable(ctx context.Context) bool
}

// Snapshotter persists the entry list. A nil Snapshotter disables
// persistence entirely.
type Snapshotter interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
}

// Outcome reports what Capture did with a change.
type Outcome int

const (
	// Added means a new entry was created at the head.
	Added Outcome = iota
	// Deduplicated means the change matched the current head entry exactly
	// and was dropped.
	Deduplicated
	// Rejected means the payload was empty or the store is closed.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Deduplicated:
		return "deduplicated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of store counters.
type Stats struct {
	Entries      int
	Captured     int64
	Deduplicated int64
	Merges       int64
	Orphaned     int64
}

// Filter narrows List output. Zero values match everything; Query is a
// case-insensitive substring check, not ranked search.
type Filter struct {
	Kind  clipboard.Kind
	Query string
	Limit int
}

// Store owns the ordered entry list. One mutex serializes every mutation;
// enrichment tasks run as free goroutines that hand results back through
// merge methods, which re-check that the target entry still exists. A slow
// backend therefore never blocks capture, and a deleted entry turns its
// late completions into silent no-ops.
type Store struct {
	mu            sync.Mutex
	entries       []*Entry // head first
	maxEntries    int
	kinds         []prompt.Kind
	autoEnrich    bool
	analyzeImages bool
	targetLang    string
	closed        bool

	svc  Enricher
	snap Snapshotter
	deb  *Debouncer
	sem  *semaphore.Weighted // bounds concurrent backend calls
	wg   sync.WaitGroup

	notify chan struct{}
	log    *zap.Logger

	// Statistics (atomic for lock-free reads)
	captured     atomic.Int64
	deduplicated atomic.Int64
	merges       atomic.Int64
	orphaned     atomic.Int64
}

// NewStore creates a store configured from cfg. snap may be nil to run
// without persistence (tests, ephemeral mode).
func NewStore(svc Enricher, snap Snapshotter, cfg *config.Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	maxEntries := cfg.History.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100
	}
	concurrent := int64(cfg.Enrichment.MaxConcurrent)
	if concurrent <= 0 {
		concurrent = 2
	}
	debounce := cfg.GetSaveDebounce()
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Store{
		maxEntries:    maxEntries,
		kinds:         cfg.EnrichmentKinds(),
		autoEnrich:    cfg.Enrichment.AutoEnrich,
		analyzeImages: cfg.Enrichment.AnalyzeImages,
		targetLang:    cfg.Translation.TargetLanguage,
		svc:           svc,
		snap:          snap,
		deb:           NewDebouncer(debounce),
		sem:           semaphore.NewWeighted(concurrent),
		notify:        make(chan struct{}, 1),
		log:           log,
	}
}

// LoadPersisted restores a prior snapshot. Call once at startup, before the
// first capture; a read failure leaves the store empty and is returned for
// logging only.
func (s *Store) LoadPersisted(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	entries, err := s.snap.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading history snapshot: %w", err)
	}

	s.mu.Lock()
	s.entries = s.entries[:0]
	for i := range entries {
		if len(s.entries) >= s.maxEntries {
			break
		}
		e := entries[i]
		e.normalize()
		s.entries = append(s.entries, &e)
	}
	count := len(s.entries)
	s.mu.Unlock()

	s.log.Info("history restored", zap.Int("entries", count))
	s.notifyObservers()
	return nil
}

// Capture ingests one clipboard change. Empty payloads are rejected; a
// payload identical to the current head entry's primary payload is
// deduplicated (older duplicates deeper in the history are left alone). On
// accept the entry is head-inserted, the tail evicted past the cap, and,
// depending on kind and the toggles, enrichment or image analysis fans out.
func (s *Store) Capture(change clipboard.Change) (Outcome, *Entry) {
	primary := change.Primary
	if len(primary.Data) == 0 && strings.TrimSpace(primary.Text) == "" {
		if alt, ok := change.Alternates["text/html"]; ok && alt.Text != "" {
			if text := clipboard.TextFromHTML(alt.Text); text != "" {
				primary.Text = text
				primary.Kind = clipboard.DetectKind(text)
			}
		}
	}
	if primary.Empty() {
		return Rejected, nil
	}
	change.Primary = primary

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Rejected, nil
	}
	if len(s.entries) > 0 && samePayload(s.entries[0].Payload, primary) {
		head := s.entries[0].snapshot()
		s.mu.Unlock()
		s.deduplicated.Add(1)
		return Deduplicated, &head
	}

	e := newEntry(change, s.analyzeImages)
	s.entries = append([]*Entry{e}, s.entries...)
	if len(s.entries) > s.maxEntries {
		evicted := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]
		s.log.Debug("evicted oldest entry", zap.String("id", evicted.ID))
	}

	switch {
	case s.autoEnrich && primary.Kind == clipboard.KindText:
		s.fanOutLocked(e)
	case primary.Kind == clipboard.KindImage && e.AutoAnalyzeImage:
		s.launchImageLocked(e)
	}

	added := e.snapshot()
	s.mu.Unlock()

	s.captured.Add(1)
	s.afterMutation()
	return Added, &added
}

// fanOutLocked launches one independent task per configured kind that has
// no result yet. Tasks are never cancelled and never block each other; each
// merges on its own schedule. Skipped entirely when every kind is done.
// Caller holds s.mu.
func (s *Store) fanOutLocked(e *Entry) {
	if s.closed || len(s.kinds) == 0 || e.enrichedFor(s.kinds) {
		return
	}
	content := e.Payload.Text
	for _, kind := range s.kinds {
		if _, done := e.Results[kind]; done {
			continue
		}
		if e.InFlight[kind] {
			continue
		}
		e.InFlight[kind] = true
		s.launchProcess(e.ID, kind, content)
	}
}

// launchProcess runs one enrichment task in the background. The context is
// deliberately not tied to any caller: tasks run to completion or error and
// only the backend's own timeout bounds them.
func (s *Store) launchProcess(id string, kind prompt.Kind, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		res := s.svc.Process(ctx, enrich.Request{Content: content, Kind: kind})
		s.sem.Release(1)
		s.mergeResult(id, kind, res)
	}()
}

// mergeResult lands one completed task. Setting the result and clearing the
// in-flight mark happen under the same lock acquisition, so no observer can
// ever see a kind in both sets. A vanished entry id makes this a no-op.
func (s *Store) mergeResult(id string, kind prompt.Kind, res enrich.Result) {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		s.orphaned.Add(1)
		s.log.Debug("dropping result for missing entry",
			zap.String("id", id), zap.String("kind", string(kind)))
		return
	}
	e.Results[kind] = res
	delete(e.InFlight, kind)
	s.mu.Unlock()

	if res.Failed() {
		s.log.Debug("enrichment task failed",
			zap.String("id", id),
			zap.String("kind", string(kind)),
			zap.Error(res.Err))
	}
	s.merges.Add(1)
	s.afterMutation()
}

// launchImageLocked starts the single image-description task for an entry.
// Caller holds s.mu.
func (s *Store) launchImageLocked(e *Entry) {
	if s.closed || e.ImageInFlight || len(e.Payload.Data) == 0 {
		return
	}
	e.ImageInFlight = true
	id := e.ID
	data := append([]byte(nil), e.Payload.Data...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		res := s.svc.ProcessImage(ctx, data)
		s.sem.Release(1)
		s.mergeImage(id, res)
	}()
}

func (s *Store) mergeImage(id string, res enrich.Result) {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		s.orphaned.Add(1)
		return
	}
	e.ImageDescription = &res
	e.ImageInFlight = false
	s.mu.Unlock()

	s.merges.Add(1)
	s.afterMutation()
}

// Reprocess wipes an entry's derived state and runs enrichment again. The
// enrichment cache is cleared globally, not per entry, so identical content
// elsewhere in the history will also re-hit the backend afterwards.
func (s *Store) Reprocess(id string) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}

	e.Results = make(map[prompt.Kind]enrich.Result)
	e.InFlight = make(map[prompt.Kind]bool)
	e.ImageDescription = nil
	e.Translations = make(map[string]enrich.Result)
	e.TranslateInFlight = make(map[string]bool)
	e.DetectedLanguage = ""
	e.DetectInFlight = false

	s.svc.ClearCache()

	switch {
	case e.Payload.Kind == clipboard.KindText:
		s.fanOutLocked(e)
	case e.Payload.Kind == clipboard.KindImage && e.AutoAnalyzeImage:
		s.launchImageLocked(e)
	}
	s.mu.Unlock()

	s.afterMutation()
	return nil
}

// DetectAndTranslate starts language detection for an entry if it has not
// run yet; once a language is known and a differing target is chosen, the
// needed translation task fires on its own.
func (s *Store) DetectAndTranslate(id string) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !s.closed && e.DetectedLanguage == "" && !e.DetectInFlight && e.Payload.Text != "" {
		e.DetectInFlight = true
		s.launchDetect(e.ID, e.Payload.Text)
	}
	s.launchTranslationsLocked(e)
	s.mu.Unlock()

	s.notifyObservers()
	return nil
}

// SelectTargetLanguage records the language the user wants this entry in
// and fires the translation task when one is needed.
func (s *Store) SelectTargetLanguage(id, lang string) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.TargetLanguage = lang
	s.launchTranslationsLocked(e)
	s.mu.Unlock()

	s.afterMutation()
	return nil
}

func (s *Store) launchDetect(id, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		res := s.svc.Process(ctx, enrich.Request{Content: content, Kind: prompt.KindDetectLang})
		s.sem.Release(1)
		s.mergeDetection(id, res)
	}()
}

func (s *Store) mergeDetection(id string, res enrich.Result) {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		s.orphaned.Add(1)
		return
	}
	e.DetectInFlight = false
	if res.Err == nil && res.Text != "" {
		e.DetectedLanguage = res.Text
	} else if res.Failed() {
		s.log.Debug("language detection failed", zap.String("id", id), zap.Error(res.Err))
	}
	// The detected language may unblock a previously requested target.
	s.launchTranslationsLocked(e)
	s.mu.Unlock()

	s.merges.Add(1)
	s.afterMutation()
}

// launchTranslationsLocked fires one translation task for the effective
// target language when detection has finished, the target differs from the
// detected language, and no result or task for it exists yet. Each language
// merges independently. Caller holds s.mu.
func (s *Store) launchTranslationsLocked(e *Entry) {
	if s.closed || e.DetectedLanguage == "" || e.Payload.Text == "" {
		return
	}
	target := e.TargetLanguage
	if target == "" {
		target = s.targetLang
	}
	if target == "" || target == e.DetectedLanguage {
		return
	}
	if _, done := e.Translations[target]; done {
		return
	}
	if e.TranslateInFlight[target] {
		return
	}
	e.TranslateInFlight[target] = true
	s.launchTranslate(e.ID, target, e.Payload.Text)
}

func (s *Store) launchTranslate(id, lang, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		res := s.svc.Process(ctx, enrich.Request{
			Content:  content,
			Kind:     prompt.KindTranslate,
			Language: prompt.LanguageName(lang),
		})
		s.sem.Release(1)
		s.mergeTranslation(id, lang, res)
	}()
}

func (s *Store) mergeTranslation(id, lang string, res enrich.Result) {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		s.orphaned.Add(1)
		return
	}
	e.Translations[lang] = res
	delete(e.TranslateInFlight, lang)
	s.mu.Unlock()

	s.merges.Add(1)
	s.afterMutation()
}

// SelectPrompt records which result kind the entry should present.
func (s *Store) SelectPrompt(id string, kind prompt.Kind) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.SelectedKind = kind
	s.mu.Unlock()

	s.afterMutation()
	return nil
}

// Delete removes one entry. Tasks still in flight for it will complete and
// find nothing to merge into.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	idx := -1
	for i, e := range s.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.mu.Unlock()

	s.afterMutation()
	return nil
}

// Clear removes every entry and wipes persisted storage immediately, without
// waiting for a debounce window.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	s.deb.Cancel()
	s.notifyObservers()

	if s.snap == nil {
		return nil
	}
	if err := s.snap.Clear(ctx); err != nil {
		s.log.Warn("clearing persisted history failed", zap.Error(err))
		return err
	}
	return nil
}

// ToggleAutoEnrich flips automatic enrichment for future captures and
// returns the new value. Existing entries are unaffected.
func (s *Store) ToggleAutoEnrich() bool {
	s.mu.Lock()
	s.autoEnrich = !s.autoEnrich
	v := s.autoEnrich
	s.mu.Unlock()

	s.notifyObservers()
	return v
}

// ApplyConfig refreshes the store's knobs from a settings change. A smaller
// cap evicts from the tail at once; the concurrency bound stays fixed for
// the process lifetime.
func (s *Store) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	if cfg.History.MaxEntries > 0 {
		s.maxEntries = cfg.History.MaxEntries
	}
	s.kinds = cfg.EnrichmentKinds()
	s.autoEnrich = cfg.Enrichment.AutoEnrich
	s.analyzeImages = cfg.Enrichment.AnalyzeImages
	s.targetLang = cfg.Translation.TargetLanguage

	evicted := false
	for len(s.entries) > s.maxEntries {
		s.entries = s.entries[:len(s.entries)-1]
		evicted = true
	}
	s.mu.Unlock()

	if evicted {
		s.afterMutation()
	} else {
		s.notifyObservers()
	}
}

// List returns deep copies of the entries matching the filter, newest
// first.
func (s *Store) List(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.ToLower(f.Query)
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Kind != "" && e.Payload.Kind != f.Kind {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Payload.Text), query) {
			continue
		}
		out = append(out, e.snapshot())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Get returns a deep copy of one entry.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findLocked(id); e != nil {
		return e.snapshot(), true
	}
	return Entry{}, false
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IsProcessing reports whether any task for any entry is in flight.
func (s *Store) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.processing() {
			return true
		}
	}
	return false
}

// IsAvailable reports whether the active backend answers its health probe.
func (s *Store) IsAvailable(ctx context.Context) bool {
	return s.svc.IsAvailable(ctx)
}

// Kinds returns the configured fan-out kinds.
func (s *Store) Kinds() []prompt.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]prompt.Kind(nil), s.kinds...)
}

// Watch returns the coalesced change signal: the channel carries a token
// whenever observable state changed. Slow readers miss intermediate
// signals, never the fact that something changed.
func (s *Store) Watch() <-chan struct{} {
	return s.notify
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := len(s.entries)
	s.mu.Unlock()
	return Stats{
		Entries:      entries,
		Captured:     s.captured.Load(),
		Deduplicated: s.deduplicated.Load(),
		Merges:       s.merges.Load(),
		Orphaned:     s.orphaned.Load(),
	}
}

// Close stops accepting captures, waits for in-flight tasks to merge, and
// writes one final snapshot.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.deb.Cancel()
	return s.flush(ctx)
}

// findLocked returns the entry with the given id, or nil. Caller holds s.mu.
func (s *Store) findLocked(id string) *Entry {
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// afterMutation notifies observers and (re)starts the persistence debounce.
// Every mutation within one window collapses into a single write.
func (s *Store) afterMutation() {
	s.notifyObservers()
	if s.snap == nil {
		return
	}
	s.deb.Debounce(func() {
		if err := s.flush(context.Background()); err != nil {
			s.log.Warn("history snapshot failed", zap.Error(err))
		}
	})
}

// flush hands the full current list to the snapshotter.
func (s *Store) flush(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	s.mu.Lock()
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e.snapshot())
	}
	s.mu.Unlock()

	return s.snap.Save(ctx, list)
}

func (s *Store) notifyObservers() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// samePayload is the dedup equality: identical kind, text, and bytes.
func samePayload(a, b clipboard.Payload) bool {
	return a.Kind == b.Kind && a.Text == b.Text && bytes.Equal(a.Data, b.Data)
}
