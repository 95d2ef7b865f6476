package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/rudskoy/clipmind/internal/backend"
	"github.com/rudskoy/clipmind/internal/clipboard"
	"github.com/rudskoy/clipmind/internal/config"
	"github.com/rudskoy/clipmind/internal/enrich"
	"github.com/rudskoy/clipmind/internal/history"
	"github.com/rudskoy/clipmind/internal/persist"
)

var (
	// Global flags
	verbose bool
	cfgPath string

	// history flags
	historyCount int

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "clipmind",
	Short: "clipmind - clipboard history with local AI enrichment",
	Long: `clipmind watches the system clipboard and keeps a bounded history of
everything copied. Each captured entry is enriched in the background by a
local language model (Ollama or a llama.cpp-style CLI): grammar-corrected
text, tags, a content classification, and on demand language detection and
translation. Nothing ever leaves the machine.

Start the daemon with "clipmind run"; inspect what it stored with
"clipmind history".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the capture daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the clipboard and enrich captured entries",
	Long: `Runs the capture loop in the foreground:
  1. Poll the system clipboard for changes
  2. Store each change as a history entry (deduplicated against the head)
  3. Fan out enrichment tasks to the configured backend
  4. Persist the history as a JSON snapshot, debounced

Edits to the settings file are picked up live without a restart.
Stop with Ctrl+C; the history is flushed on the way out.`,
	RunE: runDaemon,
}

// historyCmd prints the persisted history
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent entries from the persisted history",
	RunE:  showHistory,
}

// clearCmd wipes the persisted history
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted clipboard history",
	RunE:  clearHistory,
}

// doctorCmd diagnoses the local setup
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check backend availability, settings, and the history snapshot",
	RunE:  runDoctor,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "Settings file path")

	historyCmd.Flags().IntVarP(&historyCount, "count", "n", 10, "How many entries to print")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(doctorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger(c *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Logging.Format != "json" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if level, err := zapcore.ParseLevel(c.Logging.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

func enrichParams(c *config.Config) enrich.Params {
	return enrich.Params{
		MinContentLength: c.Enrichment.MinContentLength,
		MaxContentLength: c.Enrichment.MaxContentLength,
		CacheSize:        c.Enrichment.CacheSize,
		CustomTemplate:   c.Enrichment.CustomTemplate,
	}
}

// runDaemon wires the engine together and blocks until a shutdown signal.
func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	b, err := backend.New(cfg, logger)
	if err != nil {
		return err
	}

	svc := enrich.NewService(b, enrichParams(cfg), logger)
	snap := persist.NewSnapshot(cfg.Storage.Path, logger)
	store := history.NewStore(svc, snap, cfg, logger)

	if err := store.LoadPersisted(ctx); err != nil {
		logger.Warn("starting with empty history", zap.Error(err))
	}

	// Settings edits swap the backend and limits live; the enrichment cache
	// is cleared as part of the sync.
	watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		nb, err := backend.New(next, logger)
		if err != nil {
			logger.Warn("settings name an unusable backend, keeping the current one", zap.Error(err))
		}
		svc.SyncFromConfig(next, nb)
		store.ApplyConfig(next)
		if active := svc.ActiveBackend(); active != nil {
			logger.Info("settings applied", zap.String("backend", active.Name()))
		}
	}, logger)
	if err != nil {
		logger.Warn("settings watcher unavailable, edits need a restart", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("settings watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	poller := clipboard.NewPoller(cfg.GetPollInterval(), logger)
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("starting clipboard poller: %w", err)
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for change := range poller.Changes() {
			outcome, entry := store.Capture(change)
			if outcome == history.Added {
				logger.Debug("captured",
					zap.String("id", entry.ID),
					zap.String("kind", string(entry.Payload.Kind)))
			}
		}
	}()

	logger.Info("clipmind running",
		zap.String("backend", b.Name()),
		zap.String("snapshot", cfg.Storage.Path),
		zap.Duration("poll_interval", cfg.GetPollInterval()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	poller.Stop()
	<-feedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("final snapshot failed", zap.Error(err))
	}
	return nil
}

// showHistory prints the most recent persisted entries, newest first.
func showHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := persist.NewSnapshot(cfg.Storage.Path, logger).Load(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("history is empty")
		return nil
	}

	count := historyCount
	if count <= 0 || count > len(entries) {
		count = len(entries)
	}
	for i := 0; i < count; i++ {
		e := &entries[i]
		fmt.Printf("%2d. %-5s %s  %s\n",
			i+1, e.Payload.Kind,
			e.CapturedAt.Local().Format("2006-01-02 15:04"),
			preview(e, 60))
		for kind, res := range e.Results {
			if res.Failed() || res.Text == "" {
				continue
			}
			fmt.Printf("      %s: %s\n", kind, firstLine(res.Text, 70))
		}
	}
	if count < len(entries) {
		fmt.Printf("... and %d more (use --count)\n", len(entries)-count)
	}
	return nil
}

// clearHistory deletes the persisted snapshot.
func clearHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap := persist.NewSnapshot(cfg.Storage.Path, logger)
	if err := snap.Clear(ctx); err != nil {
		return err
	}
	fmt.Printf("history cleared (%s)\n", snap.Path())
	return nil
}

// runDoctor probes the moving parts in parallel and prints one line each.
func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		report []string
	)
	add := func(format string, a ...any) {
		mu.Lock()
		report = append(report, fmt.Sprintf(format, a...))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b, err := backend.New(cfg, logger)
		if err != nil {
			add("backend   %s: %v", cfg.Backend.Kind, err)
			return nil
		}
		probeCtx, probeCancel := context.WithTimeout(gctx, 5*time.Second)
		defer probeCancel()
		if !b.IsAvailable(probeCtx) {
			add("backend   %s: unavailable", b.Name())
			return nil
		}
		line := fmt.Sprintf("backend   %s: ok", b.Name())
		if lister, ok := b.(interface {
			ListModels(context.Context) ([]string, error)
		}); ok {
			if models, err := lister.ListModels(probeCtx); err == nil {
				line += fmt.Sprintf(" (%d models installed)", len(models))
			}
		}
		add("%s", line)
		return nil
	})

	g.Go(func() error {
		snap := persist.NewSnapshot(cfg.Storage.Path, logger)
		entries, err := snap.Load(gctx)
		if err != nil {
			add("snapshot  %s: %v", snap.Path(), err)
			return nil
		}
		add("snapshot  %s: %d entries", snap.Path(), len(entries))
		return nil
	})

	g.Go(func() error {
		if err := cfg.Validate(); err != nil {
			add("config    %s: %v", cfgPath, err)
			return nil
		}
		add("config    %s: ok", cfgPath)
		return nil
	})

	_ = g.Wait()

	sort.Strings(report)
	for _, line := range report {
		fmt.Println(line)
	}
	return nil
}

// preview renders a one-line summary of an entry's payload.
func preview(e *history.Entry, width int) string {
	if e.Payload.Kind == clipboard.KindImage {
		if e.ImageDescription != nil && e.ImageDescription.Err == nil && e.ImageDescription.Text != "" {
			return firstLine(e.ImageDescription.Text, width)
		}
		return fmt.Sprintf("(image, %d bytes)", len(e.Payload.Data))
	}
	return firstLine(e.Payload.Text, width)
}

func firstLine(s string, width int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > width {
		return string(runes[:width]) + "..."
	}
	return s
}
