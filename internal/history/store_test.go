package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rudskoy/clipmind/internal/clipboard"
	"github.com/rudskoy/clipmind/internal/config"
	"github.com/rudskoy/clipmind/internal/enrich"
	"github.com/rudskoy/clipmind/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEnricher is a scriptable Enricher. Without a respond function it
// echoes "[kind] content"; stall() makes every call block until the returned
// channel is closed.
type fakeEnricher struct {
	mu      sync.Mutex
	respond func(req enrich.Request) enrich.Result
	block   chan struct{}

	calls      atomic.Int64
	imageCalls atomic.Int64
	cleared    atomic.Int64
	available  bool
}

func newFakeEnricher() *fakeEnricher {
	return &fakeEnricher{available: true}
}

func (f *fakeEnricher) stall() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f.block
}

func (f *fakeEnricher) Process(ctx context.Context, req enrich.Request) enrich.Result {
	f.calls.Add(1)
	f.mu.Lock()
	block := f.block
	respond := f.respond
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if respond != nil {
		return respond(req)
	}
	return enrich.Result{Text: "[" + string(req.Kind) + "] " + req.Content}
}

func (f *fakeEnricher) ProcessImage(ctx context.Context, image []byte) enrich.Result {
	f.imageCalls.Add(1)
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return enrich.Result{Text: "a small screenshot"}
}

func (f *fakeEnricher) ClearCache() { f.cleared.Add(1) }

func (f *fakeEnricher) IsAvailable(ctx context.Context) bool { return f.available }

// fakeSnapshotter records Save/Clear traffic in memory.
type fakeSnapshotter struct {
	mu      sync.Mutex
	saves   int
	clears  int
	last    []Entry
	loaded  []Entry
	loadErr error
}

func (f *fakeSnapshotter) Save(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.last = append([]Entry(nil), entries...)
	return nil
}

func (f *fakeSnapshotter) Load(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]Entry(nil), f.loaded...), nil
}

func (f *fakeSnapshotter) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.last = nil
	return nil
}

func (f *fakeSnapshotter) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSnapshotter) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeSnapshotter) lastSaved() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.last...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Enrichment.Kinds = []string{"grammar"}
	cfg.Storage.SaveDebounce = "40ms"
	return cfg
}

func textChange(text string) clipboard.Change {
	return clipboard.Change{
		Primary:    clipboard.Payload{Kind: clipboard.DetectKind(text), Text: text},
		OccurredAt: time.Now(),
	}
}

func waitIdle(t *testing.T, st *Store) {
	t.Helper()
	require.Eventually(t, func() bool { return !st.IsProcessing() },
		5*time.Second, 10*time.Millisecond, "enrichment tasks should finish")
}

func closeStore(t *testing.T, st *Store) {
	t.Helper()
	require.NoError(t, st.Close(context.Background()))
}

func TestCaptureAddsAndEnriches(t *testing.T) {
	svc := newFakeEnricher()
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	out, e := st.Capture(textChange("fix teh typo"))
	require.Equal(t, Added, out)
	require.NotNil(t, e)
	waitIdle(t, st)

	got, ok := st.Get(e.ID)
	require.True(t, ok)
	res := got.Results[prompt.KindGrammar]
	require.NoError(t, res.Err)
	assert.Equal(t, "[grammar] fix teh typo", res.Text)
	assert.Empty(t, got.InFlight)
	assert.Equal(t, StateFullyEnriched, got.State(st.Kinds()))
}

func TestFailedKindStoresErrorResult(t *testing.T) {
	boom := errors.New("model crashed")
	svc := newFakeEnricher()
	svc.respond = func(req enrich.Request) enrich.Result {
		return enrich.Result{Err: boom}
	}
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("does not parse"))
	waitIdle(t, st)

	got, ok := st.Get(e.ID)
	require.True(t, ok)
	res := got.Results[prompt.KindGrammar]
	assert.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, boom)
	assert.Empty(t, got.InFlight)
	// A failed kind is complete; there is no terminal failure state.
	assert.Equal(t, StateFullyEnriched, got.State(st.Kinds()))
}

func TestCaptureDeduplicatesAgainstHeadOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	out, first := st.Capture(textChange("alpha"))
	require.Equal(t, Added, out)

	out, head := st.Capture(textChange("alpha"))
	assert.Equal(t, Deduplicated, out)
	require.NotNil(t, head)
	assert.Equal(t, first.ID, head.ID)
	assert.Equal(t, 1, st.Len())

	// An older duplicate deeper in the list does not dedup.
	st.Capture(textChange("beta"))
	out, _ = st.Capture(textChange("alpha"))
	assert.Equal(t, Added, out)
	assert.Equal(t, 3, st.Len())
	assert.EqualValues(t, 1, st.Stats().Deduplicated)
}

func TestCaptureRejectsEmptyPayload(t *testing.T) {
	st := NewStore(newFakeEnricher(), nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	out, e := st.Capture(textChange("   \n\t"))
	assert.Equal(t, Rejected, out)
	assert.Nil(t, e)
	assert.Equal(t, 0, st.Len())
}

func TestCaptureFallsBackToHTMLAlternate(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	out, e := st.Capture(clipboard.Change{
		Primary: clipboard.Payload{Kind: clipboard.KindOther},
		Alternates: map[string]clipboard.Payload{
			"text/html": {Kind: clipboard.KindOther, Text: "<p>Hello <b>world</b></p>"},
		},
	})
	require.Equal(t, Added, out)
	assert.Equal(t, "Hello world", e.Payload.Text)
	assert.Equal(t, clipboard.KindText, e.Payload.Kind)
}

func TestCapEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.History.MaxEntries = 3
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	for _, text := range []string{"one", "two", "three", "four"} {
		out, _ := st.Capture(textChange(text))
		require.Equal(t, Added, out)
	}

	list := st.List(Filter{})
	require.Len(t, list, 3)
	assert.Equal(t, "four", list[0].Payload.Text)
	assert.Equal(t, "three", list[1].Payload.Text)
	assert.Equal(t, "two", list[2].Payload.Text)
}

func TestNoKindIsEverPendingAndDoneAtOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.Kinds = []string{"grammar", "tags", "classify"}
	cfg.Enrichment.MaxConcurrent = 3
	svc := newFakeEnricher()
	block := svc.stall()
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("watch me closely"))

	got, _ := st.Get(e.ID)
	assert.Len(t, got.InFlight, 3)
	assert.Empty(t, got.Results)

	// Poll the observable state through the merges and check the sets stay
	// disjoint at every step.
	violation := make(chan prompt.Kind, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap, ok := st.Get(e.ID)
			if !ok {
				return
			}
			for kind := range snap.Results {
				if snap.InFlight[kind] {
					select {
					case violation <- kind:
					default:
					}
					return
				}
			}
			if !st.IsProcessing() {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	close(block)
	<-done
	select {
	case kind := <-violation:
		t.Fatalf("kind %q observed both in flight and done", kind)
	default:
	}

	waitIdle(t, st)
	got, _ = st.Get(e.ID)
	assert.Len(t, got.Results, 3)
	assert.Empty(t, got.InFlight)
}

func TestDeleteMidFlightDropsLateResult(t *testing.T) {
	svc := newFakeEnricher()
	block := svc.stall()
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("doomed entry"))
	require.NoError(t, st.Delete(e.ID))
	assert.Equal(t, 0, st.Len())

	close(block)
	require.Eventually(t, func() bool { return st.Stats().Orphaned == 1 },
		5*time.Second, 10*time.Millisecond, "late completion should be counted as orphaned")
	assert.Equal(t, 0, st.Len())
}

func TestDeleteUnknownID(t *testing.T) {
	st := NewStore(newFakeEnricher(), nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	assert.ErrorIs(t, st.Delete("no-such-id"), ErrNotFound)
}

func TestBurstCollapsesIntoOneSave(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	snap := &fakeSnapshotter{}
	st := NewStore(newFakeEnricher(), snap, cfg, zap.NewNop())
	defer closeStore(t, st)

	for i := 0; i < 10; i++ {
		st.Capture(textChange(fmt.Sprintf("item %d", i)))
	}

	require.Eventually(t, func() bool { return snap.saveCount() == 1 },
		2*time.Second, 10*time.Millisecond, "debounce should produce one write")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, snap.saveCount())
	assert.Len(t, snap.lastSaved(), 10)
}

func TestClearWipesMemoryAndDiskImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	snap := &fakeSnapshotter{}
	st := NewStore(newFakeEnricher(), snap, cfg, zap.NewNop())
	defer closeStore(t, st)

	st.Capture(textChange("secret token"))
	require.NoError(t, st.Clear(context.Background()))

	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 1, snap.clearCount())

	// The debounced save scheduled by the capture must not resurrect
	// anything after Clear.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, snap.saveCount())
}

func TestReprocessClearsCacheAndRunsAgain(t *testing.T) {
	svc := newFakeEnricher()
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("rough draft"))
	waitIdle(t, st)
	require.EqualValues(t, 1, svc.calls.Load())

	require.NoError(t, st.Reprocess(e.ID))
	waitIdle(t, st)

	assert.EqualValues(t, 1, svc.cleared.Load())
	assert.EqualValues(t, 2, svc.calls.Load())
	got, _ := st.Get(e.ID)
	assert.Contains(t, got.Results, prompt.KindGrammar)

	assert.ErrorIs(t, st.Reprocess("no-such-id"), ErrNotFound)
}

func TestDetectAndTranslate(t *testing.T) {
	svc := newFakeEnricher()
	svc.respond = func(req enrich.Request) enrich.Result {
		switch req.Kind {
		case prompt.KindDetectLang:
			return enrich.Result{Text: "ru"}
		case prompt.KindTranslate:
			return enrich.Result{Text: "hello in " + req.Language}
		default:
			return enrich.Result{Text: "ok"}
		}
	}
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("привет мир"))
	require.NoError(t, st.DetectAndTranslate(e.ID))

	require.Eventually(t, func() bool {
		got, _ := st.Get(e.ID)
		_, ok := got.Translations["en"]
		return ok
	}, 5*time.Second, 10*time.Millisecond, "translation into the default target should land")

	got, _ := st.Get(e.ID)
	assert.Equal(t, "ru", got.DetectedLanguage)
	assert.Equal(t, "hello in English", got.Translations["en"].Text)
	assert.False(t, got.DetectInFlight)
	assert.Empty(t, got.TranslateInFlight)

	// Repeating the request starts nothing new.
	calls := svc.calls.Load()
	require.NoError(t, st.DetectAndTranslate(e.ID))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, svc.calls.Load())

	assert.ErrorIs(t, st.DetectAndTranslate("no-such-id"), ErrNotFound)
}

func TestDetectMatchingTargetSkipsTranslation(t *testing.T) {
	svc := newFakeEnricher()
	svc.respond = func(req enrich.Request) enrich.Result {
		return enrich.Result{Text: "en"}
	}
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("already in english"))
	require.NoError(t, st.DetectAndTranslate(e.ID))

	require.Eventually(t, func() bool {
		got, _ := st.Get(e.ID)
		return got.DetectedLanguage == "en"
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	got, _ := st.Get(e.ID)
	assert.Empty(t, got.Translations)
	assert.EqualValues(t, 1, svc.calls.Load(), "only the detection call should run")
}

func TestSelectTargetLanguage(t *testing.T) {
	svc := newFakeEnricher()
	svc.respond = func(req enrich.Request) enrich.Result {
		if req.Kind == prompt.KindDetectLang {
			return enrich.Result{Text: "ru"}
		}
		return enrich.Result{Text: "in " + req.Language}
	}
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("привет"))
	require.NoError(t, st.DetectAndTranslate(e.ID))
	require.Eventually(t, func() bool {
		got, _ := st.Get(e.ID)
		_, ok := got.Translations["en"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, st.SelectTargetLanguage(e.ID, "de"))
	require.Eventually(t, func() bool {
		got, _ := st.Get(e.ID)
		_, ok := got.Translations["de"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := st.Get(e.ID)
	assert.Equal(t, "in German", got.Translations["de"].Text)
	assert.EqualValues(t, 3, svc.calls.Load())

	// Selecting a language that already has a result is a no-op.
	require.NoError(t, st.SelectTargetLanguage(e.ID, "de"))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, svc.calls.Load())
}

func TestSelectPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("pick me"))
	require.NoError(t, st.SelectPrompt(e.ID, prompt.KindTags))

	got, _ := st.Get(e.ID)
	assert.Equal(t, prompt.KindTags, got.SelectedKind)

	assert.ErrorIs(t, st.SelectPrompt("no-such-id", prompt.KindTags), ErrNotFound)
}

func TestListFilters(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	st.Capture(textChange("Alpha Report"))
	st.Capture(textChange("https://example.com/x"))
	st.Capture(textChange("beta notes"))

	links := st.List(Filter{Kind: clipboard.KindLink})
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.com/x", links[0].Payload.Text)

	matches := st.List(Filter{Query: "ALPHA"})
	require.Len(t, matches, 1)
	assert.Equal(t, "Alpha Report", matches[0].Payload.Text)

	limited := st.List(Filter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "beta notes", limited[0].Payload.Text)
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	svc := newFakeEnricher()
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(textChange("original"))
	waitIdle(t, st)

	got, ok := st.Get(e.ID)
	require.True(t, ok)
	got.Results[prompt.KindTags] = enrich.Result{Text: "tampered"}
	got.Payload.Text = "tampered"

	fresh, _ := st.Get(e.ID)
	assert.NotContains(t, fresh.Results, prompt.KindTags)
	assert.Equal(t, "original", fresh.Payload.Text)
}

func TestApplyConfigShrinksCap(t *testing.T) {
	cfg := testConfig()
	cfg.History.MaxEntries = 5
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		st.Capture(textChange(text))
	}

	next := testConfig()
	next.History.MaxEntries = 2
	next.Enrichment.AutoEnrich = false
	st.ApplyConfig(next)

	list := st.List(Filter{})
	require.Len(t, list, 2)
	assert.Equal(t, "five", list[0].Payload.Text)
	assert.Equal(t, "four", list[1].Payload.Text)
}

func TestToggleAutoEnrich(t *testing.T) {
	svc := newFakeEnricher()
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	assert.False(t, st.ToggleAutoEnrich())

	st.Capture(textChange("quiet capture"))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, svc.calls.Load())

	assert.True(t, st.ToggleAutoEnrich())
	st.Capture(textChange("loud capture"))
	waitIdle(t, st)
	assert.EqualValues(t, 1, svc.calls.Load())
}

func TestImageCaptureAnalyzed(t *testing.T) {
	svc := newFakeEnricher()
	cfg := testConfig()
	cfg.Enrichment.AnalyzeImages = true
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, e := st.Capture(clipboard.Change{
		Primary: clipboard.Payload{Kind: clipboard.KindImage, Data: []byte{0x89, 0x50, 0x4e, 0x47}},
	})
	waitIdle(t, st)

	got, _ := st.Get(e.ID)
	require.NotNil(t, got.ImageDescription)
	assert.NoError(t, got.ImageDescription.Err)
	assert.Equal(t, "a small screenshot", got.ImageDescription.Text)
	assert.False(t, got.ImageInFlight)
	assert.EqualValues(t, 1, svc.imageCalls.Load())
	assert.EqualValues(t, 0, svc.calls.Load(), "image entries get no text fan-out")
}

func TestImageToggleIsCapturedPerEntry(t *testing.T) {
	svc := newFakeEnricher()
	cfg := testConfig()
	cfg.Enrichment.AnalyzeImages = false
	st := NewStore(svc, nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	_, old := st.Capture(clipboard.Change{
		Primary: clipboard.Payload{Kind: clipboard.KindImage, Data: []byte{0x01}},
	})
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, svc.imageCalls.Load())

	next := testConfig()
	next.Enrichment.AnalyzeImages = true
	st.ApplyConfig(next)

	// The entry keeps the toggle value it was captured with.
	require.NoError(t, st.Reprocess(old.ID))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, svc.imageCalls.Load())

	st.Capture(clipboard.Change{
		Primary: clipboard.Payload{Kind: clipboard.KindImage, Data: []byte{0x02}},
	})
	require.Eventually(t, func() bool { return svc.imageCalls.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestLoadPersistedNormalizesAndTrims(t *testing.T) {
	mk := func(text string) Entry {
		return Entry{
			ID:         "id-" + text,
			Payload:    clipboard.Payload{Kind: clipboard.KindText, Text: text},
			CapturedAt: time.Now(),
			InFlight:   map[prompt.Kind]bool{prompt.KindGrammar: true},
			Results:    map[prompt.Kind]enrich.Result{prompt.KindTags: {Text: "kept"}},
		}
	}
	snap := &fakeSnapshotter{loaded: []Entry{mk("newest"), mk("middle"), mk("oldest")}}

	cfg := testConfig()
	cfg.History.MaxEntries = 2
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), snap, cfg, zap.NewNop())
	defer closeStore(t, st)

	require.NoError(t, st.LoadPersisted(context.Background()))

	list := st.List(Filter{})
	require.Len(t, list, 2, "load should respect the cap")
	assert.Equal(t, "newest", list[0].Payload.Text)
	for _, e := range list {
		assert.Empty(t, e.InFlight, "stale in-flight marks must be dropped")
		assert.Equal(t, "kept", e.Results[prompt.KindTags].Text)
	}
}

func TestLoadPersistedReadFailure(t *testing.T) {
	snap := &fakeSnapshotter{loadErr: errors.New("corrupt snapshot")}
	st := NewStore(newFakeEnricher(), snap, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	err := st.LoadPersisted(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, st.Len(), "a failed load leaves the store empty")
}

func TestCloseWaitsForTasksAndFlushes(t *testing.T) {
	svc := newFakeEnricher()
	block := svc.stall()
	snap := &fakeSnapshotter{}
	st := NewStore(svc, snap, testConfig(), zap.NewNop())

	_, e := st.Capture(textChange("pending work"))

	done := make(chan error, 1)
	go func() { done <- st.Close(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Close returned before the in-flight task finished")
	default:
	}

	close(block)
	require.NoError(t, <-done)

	saved := snap.lastSaved()
	require.Len(t, saved, 1)
	res := saved[0].Results[prompt.KindGrammar]
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.Text, "final snapshot should include the merged result")

	out, _ := st.Capture(textChange("too late"))
	assert.Equal(t, Rejected, out)
	assert.Equal(t, e.ID, saved[0].ID)
}

func TestWatchCoalescesSignals(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	ch := st.Watch()
	st.Capture(textChange("one"))
	st.Capture(textChange("two"))

	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal after captures")
	}
	select {
	case <-ch:
		t.Fatal("signals within one burst should coalesce into a single token")
	default:
	}

	st.Capture(textChange("three"))
	select {
	case <-ch:
	default:
		t.Fatal("expected a fresh signal after draining")
	}
}

func TestIsAvailableDelegates(t *testing.T) {
	svc := newFakeEnricher()
	svc.available = false
	st := NewStore(svc, nil, testConfig(), zap.NewNop())
	defer closeStore(t, st)

	assert.False(t, st.IsAvailable(context.Background()))
	svc.available = true
	assert.True(t, st.IsAvailable(context.Background()))
}

func TestStatsCounters(t *testing.T) {
	cfg := testConfig()
	cfg.Enrichment.AutoEnrich = false
	st := NewStore(newFakeEnricher(), nil, cfg, zap.NewNop())
	defer closeStore(t, st)

	st.Capture(textChange("alpha"))
	st.Capture(textChange("alpha"))
	st.Capture(textChange("beta"))

	stats := st.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.EqualValues(t, 2, stats.Captured)
	assert.EqualValues(t, 1, stats.Deduplicated)
}
