// Package enrich turns captured content into derived results. The Service
// owns the active backend and a fingerprint-keyed result cache; Process is
// the single entry point the history store fans out to. Failures come back
// inside the Result, never as a Go error: one bad backend call must not be
// able to abort sibling tasks or capture.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rudskoy/clipmind/internal/backend"
	"github.com/rudskoy/clipmind/internal/config"
	"github.com/rudskoy/clipmind/internal/prompt"
)

// Sentinel errors surfaced through Result.Err.
var (
	// ErrNoBackend is returned in results when no backend is configured.
	ErrNoBackend = errors.New("no backend configured")

	// ErrContentTooLong is returned in results when content exceeds the
	// maximum length; the backend is never called for such content.
	ErrContentTooLong = errors.New("content too long to enrich")
)

// Result is the outcome of one enrichment task. Content below the minimum
// length yields a Result with both fields empty.
type Result struct {
	Text string
	Err  error
}

// Failed reports whether the task ended in an error.
func (r Result) Failed() bool { return r.Err != nil }

// Request names one unit of enrichment work.
type Request struct {
	Content string
	Kind    prompt.Kind
	// Language is the translation target; ignored by other kinds.
	Language string
}

// Params are the service limits refreshed from configuration.
type Params struct {
	MinContentLength int
	MaxContentLength int
	CacheSize        int
	CustomTemplate   string
}

// DefaultParams returns the limits used when configuration provides none.
// The minimum is 1: single-character content still enriches, only empty
// content is gated.
func DefaultParams() Params {
	return Params{
		MinContentLength: 1,
		MaxContentLength: 8000,
		CacheSize:        256,
	}
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Completed int64
	Failures  int64
	CacheHits int64
	Rejected  int64
}

// Service coordinates backend calls with caching and length limits. The
// active backend, cache, and params live behind one mutex; Generate calls
// run outside it so a slow backend never serializes sibling tasks.
type Service struct {
	mu      sync.Mutex
	backend backend.Backend
	params  Params
	cache   *cache
	gen     uint64 // bumped on every cache clear

	log *zap.Logger

	// Statistics (atomic for lock-free reads)
	completed atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
	rejected  atomic.Int64
}

// NewService creates a Service using the given backend. A nil backend is
// legal: every Process call then yields an ErrNoBackend result until
// SetActiveBackend is called.
func NewService(b backend.Backend, params Params, log *zap.Logger) *Service {
	if params.MinContentLength < 0 {
		params.MinContentLength = 0
	}
	if params.CacheSize <= 0 {
		params.CacheSize = DefaultParams().CacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		backend: b,
		params:  params,
		cache:   newCache(params.CacheSize),
		log:     log,
	}
}

// Process runs one enrichment request to completion. It always returns a
// Result; backend failures, missing backends, and over-length content all
// surface through Result.Err.
func (s *Service) Process(ctx context.Context, req Request) Result {
	length := utf8.RuneCountInString(req.Content)

	s.mu.Lock()
	params := s.params
	b := s.backend

	if length < params.MinContentLength {
		s.mu.Unlock()
		return Result{}
	}
	if params.MaxContentLength > 0 && length > params.MaxContentLength {
		s.mu.Unlock()
		s.rejected.Add(1)
		return Result{Err: fmt.Errorf("%w: %d chars (max %d)", ErrContentTooLong, length, params.MaxContentLength)}
	}

	p := prompt.Render(prompt.Input{
		Kind:     req.Kind,
		Content:  req.Content,
		Language: req.Language,
		Template: params.CustomTemplate,
	})
	key := fingerprint(p.System, p.User)
	if res, ok := s.cache.get(key); ok {
		s.mu.Unlock()
		s.cacheHits.Add(1)
		return res
	}
	gen := s.gen
	s.mu.Unlock()

	if b == nil {
		return Result{Err: ErrNoBackend}
	}

	raw, err := s.generate(ctx, b, p)
	if err != nil {
		s.failures.Add(1)
		s.log.Debug("enrichment failed",
			zap.String("kind", string(req.Kind)),
			zap.String("backend", b.Name()),
			zap.Error(err))
		return Result{Err: err}
	}

	res := Result{Text: prompt.Transform(req.Kind, raw)}
	s.store(gen, key, res)
	s.completed.Add(1)
	return res
}

// ProcessImage mirrors Process for image description. Backends without the
// ImageDescriber capability yield an ErrUnavailable result.
func (s *Service) ProcessImage(ctx context.Context, image []byte) Result {
	key := fingerprintBytes(string(prompt.KindDescribeImage), image)

	s.mu.Lock()
	b := s.backend
	if res, ok := s.cache.get(key); ok {
		s.mu.Unlock()
		s.cacheHits.Add(1)
		return res
	}
	gen := s.gen
	s.mu.Unlock()

	if b == nil {
		return Result{Err: ErrNoBackend}
	}
	describer, ok := b.(backend.ImageDescriber)
	if !ok {
		return Result{Err: fmt.Errorf("%w: backend %q cannot describe images", backend.ErrUnavailable, b.Name())}
	}

	p := prompt.Render(prompt.Input{Kind: prompt.KindDescribeImage})
	raw, err := s.describe(ctx, describer, image, p.User)
	if err != nil {
		s.failures.Add(1)
		s.log.Debug("image description failed", zap.String("backend", b.Name()), zap.Error(err))
		return Result{Err: err}
	}

	res := Result{Text: prompt.CleanText(raw)}
	s.store(gen, key, res)
	s.completed.Add(1)
	return res
}

// generate calls the backend with panic containment: a panicking backend
// reads as a transport error, not a crash.
func (s *Service) generate(ctx context.Context, b backend.Backend, p prompt.Prompt) (raw string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("backend panicked", zap.String("backend", b.Name()), zap.Any("panic", r))
			err = &backend.TransportError{Op: "generate", Err: fmt.Errorf("backend panicked: %v", r)}
		}
	}()
	return b.Generate(ctx, p.User, p.System)
}

func (s *Service) describe(ctx context.Context, d backend.ImageDescriber, image []byte, userPrompt string) (raw string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("backend panicked", zap.Any("panic", r))
			err = &backend.TransportError{Op: "describe image", Err: fmt.Errorf("backend panicked: %v", r)}
		}
	}()
	return d.DescribeImage(ctx, image, userPrompt)
}

// store inserts a computed result unless the cache was cleared (backend
// switch, reprocess) while the backend call was in flight; results computed
// against a replaced backend must not repopulate the fresh cache.
func (s *Service) store(gen uint64, key uint64, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.cache.put(key, res)
}

// SetActiveBackend swaps the provider. The cache is cleared unconditionally,
// even when the new backend equals the old one: results from different
// backends must never be served interchangeably.
func (s *Service) SetActiveBackend(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
	s.clearLocked()
	name := "none"
	if b != nil {
		name = b.Name()
	}
	s.log.Info("active backend set", zap.String("backend", name))
}

// SyncFromConfig refreshes limits and the custom template from a settings
// change, swaps to the freshly built backend when one is provided, and
// clears the cache either way: the rendered prompts that key it may have
// changed.
func (s *Service) SyncFromConfig(cfg *config.Config, b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = Params{
		MinContentLength: cfg.Enrichment.MinContentLength,
		MaxContentLength: cfg.Enrichment.MaxContentLength,
		CacheSize:        cfg.Enrichment.CacheSize,
		CustomTemplate:   cfg.Enrichment.CustomTemplate,
	}
	if s.params.MinContentLength < 0 {
		s.params.MinContentLength = 0
	}
	if s.params.CacheSize <= 0 {
		s.params.CacheSize = DefaultParams().CacheSize
	}
	s.cache = newCache(s.params.CacheSize)
	if b != nil {
		s.backend = b
	}
	s.clearLocked()
}

// ClearCache wipes every cached result.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Service) clearLocked() {
	s.cache.clear()
	s.gen++
}

// CacheLen returns how many results are cached.
func (s *Service) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.len()
}

// ActiveBackend returns the current provider, which may be nil.
func (s *Service) ActiveBackend() backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// IsAvailable delegates to the active backend. Advisory only: Process is not
// gated on it.
func (s *Service) IsAvailable(ctx context.Context) bool {
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	return b != nil && b.IsAvailable(ctx)
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Completed: s.completed.Load(),
		Failures:  s.failures.Load(),
		CacheHits: s.cacheHits.Load(),
		Rejected:  s.rejected.Load(),
	}
}
