package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunnerConfig configures the local subprocess backend.
type RunnerConfig struct {
	// Binary is the inference CLI to execute, resolved through PATH when not
	// absolute. The llama.cpp-style contract is assumed: -m <model> -p
	// <prompt>, completion on stdout.
	Binary string
	// ModelDir is where model files live; bare model names resolve against it.
	ModelDir string
	// Model is the model file to load, either a bare name in ModelDir or a
	// path.
	Model string
	// MaxSessions bounds the model-session cache.
	MaxSessions int
	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string
	// Timeout bounds one subprocess run.
	Timeout time.Duration
}

// modelSession is one validated model in the session cache: the resolved
// file path plus when it was last used. Validation (the file exists and is a
// regular file) happens once per cached session, not per request.
type modelSession struct {
	path     string
	lastUsed time.Time
}

// Runner implements Backend by executing a local inference CLI per request.
// It keeps a bounded LRU cache of validated model sessions and funnels all
// subprocess work through one mutex, so a single model runs at a time per
// Runner instance.
type Runner struct {
	binary      string
	modelDir    string
	model       string
	maxSessions int
	extraArgs   []string
	timeout     time.Duration

	mu       sync.Mutex
	sessions map[string]*modelSession
	order    []string // LRU order, oldest first
	log      *zap.Logger
}

// NewRunner creates a subprocess runner backend.
func NewRunner(cfg RunnerConfig, log *zap.Logger) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "llama-cli"
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		binary:      cfg.Binary,
		modelDir:    cfg.ModelDir,
		model:       cfg.Model,
		maxSessions: cfg.MaxSessions,
		extraArgs:   cfg.ExtraArgs,
		timeout:     cfg.Timeout,
		sessions:    make(map[string]*modelSession),
		log:         log,
	}
}

// Name implements Backend.
func (r *Runner) Name() string { return "local" }

// IsAvailable reports whether the binary and the configured model resolve.
func (r *Runner) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(r.binary); err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.acquireSession(r.model)
	return err == nil
}

// Generate implements Backend. The system prompt is folded into the user
// prompt since one-shot CLIs take a single prompt argument.
func (r *Runner) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	combined := prompt
	if strings.TrimSpace(systemPrompt) != "" {
		combined = fmt.Sprintf("[Instructions]\n%s\n\n[Input]\n%s", systemPrompt, prompt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.acquireSession(r.model)
	if err != nil {
		return "", err
	}
	return r.execute(ctx, session.path, combined)
}

// SetModel changes the model used for completions. The session cache is kept;
// switching back to a recently used model stays warm.
func (r *Runner) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = model
}

// GetModel returns the current model.
func (r *Runner) GetModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// SessionCount returns how many model sessions are cached.
func (r *Runner) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// acquireSession returns the cached session for model, validating and
// admitting it first if needed. Admission past MaxSessions evicts the least
// recently used session. Caller holds r.mu.
func (r *Runner) acquireSession(model string) (*modelSession, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: no model configured", ErrUnavailable)
	}

	if s, ok := r.sessions[model]; ok {
		s.lastUsed = time.Now()
		r.touch(model)
		return s, nil
	}

	path := model
	if !filepath.IsAbs(path) && r.modelDir != "" {
		path = filepath.Join(r.modelDir, model)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: model %q not found at %s", ErrUnavailable, model, path)
	}

	for len(r.sessions) >= r.maxSessions && len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.sessions, oldest)
		r.log.Debug("evicted model session", zap.String("model", oldest))
	}

	s := &modelSession{path: path, lastUsed: time.Now()}
	r.sessions[model] = s
	r.order = append(r.order, model)
	return s, nil
}

// touch moves model to the back of the LRU order.
func (r *Runner) touch(model string) {
	for i, name := range r.order {
		if name == model {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.order = append(r.order, model)
}

// execute runs one subprocess inference with the runner's timeout applied.
func (r *Runner) execute(ctx context.Context, modelPath, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"-m", modelPath, "-p", prompt}
	args = append(args, r.extraArgs...)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: after %v", ErrTimeout, r.timeout)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: binary %q not found", ErrUnavailable, r.binary)
		}
		return "", &TransportError{Op: "run", Err: fmt.Errorf("%v (stderr: %s)", err, truncate(stderr.String(), 200))}
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty output", ErrInvalidResponse)
	}
	return text, nil
}
