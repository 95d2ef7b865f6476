// Package config holds the engine settings document. Settings live in a
// single YAML file; a missing file means defaults. Environment variables
// override the file, and Watcher turns external edits into explicit change
// callbacks so running components never observe settings implicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rudskoy/clipmind/internal/prompt"
)

// Config holds all clipmind configuration.
type Config struct {
	History     HistoryConfig     `yaml:"history"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Translation TranslationConfig `yaml:"translation"`
	Backend     BackendConfig     `yaml:"backend"`
	Storage     StorageConfig     `yaml:"storage"`
	Clipboard   ClipboardConfig   `yaml:"clipboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HistoryConfig bounds the entry list.
type HistoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// EnrichmentConfig controls the per-entry fan-out.
type EnrichmentConfig struct {
	AutoEnrich       bool     `yaml:"auto_enrich"`
	AnalyzeImages    bool     `yaml:"analyze_images"`
	Kinds            []string `yaml:"kinds"`
	CustomTemplate   string   `yaml:"custom_template"`
	MinContentLength int      `yaml:"min_content_length"`
	MaxContentLength int      `yaml:"max_content_length"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	CacheSize        int      `yaml:"cache_size"`
}

// TranslationConfig sets the default translation target.
type TranslationConfig struct {
	TargetLanguage string `yaml:"target_language"`
}

// BackendConfig selects and configures the inference provider.
type BackendConfig struct {
	Kind   string       `yaml:"kind"` // ollama, local
	Ollama OllamaConfig `yaml:"ollama"`
	Local  LocalConfig  `yaml:"local"`
}

// OllamaConfig configures the HTTP backend.
type OllamaConfig struct {
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	VisionModel string `yaml:"vision_model"`
	Timeout     string `yaml:"timeout"`
}

// LocalConfig configures the subprocess runner backend.
type LocalConfig struct {
	Binary          string   `yaml:"binary"`
	ModelDir        string   `yaml:"model_dir"`
	Model           string   `yaml:"model"`
	MaxLoadedModels int      `yaml:"max_loaded_models"`
	ExtraArgs       []string `yaml:"extra_args"`
	Timeout         string   `yaml:"timeout"`
}

// StorageConfig locates the history snapshot.
type StorageConfig struct {
	Path         string `yaml:"path"`
	SaveDebounce string `yaml:"save_debounce"`
}

// ClipboardConfig tunes the reference poller.
type ClipboardConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		History: HistoryConfig{
			MaxEntries: 100,
		},
		Enrichment: EnrichmentConfig{
			AutoEnrich:       true,
			AnalyzeImages:    false,
			Kinds:            []string{"grammar", "tags", "classify"},
			MinContentLength: 1,
			MaxContentLength: 8000,
			MaxConcurrent:    2,
			CacheSize:        256,
		},
		Translation: TranslationConfig{
			TargetLanguage: "en",
		},
		Backend: BackendConfig{
			Kind: "ollama",
			Ollama: OllamaConfig{
				BaseURL:     "http://localhost:11434",
				Model:       "qwen2.5:1.5b",
				VisionModel: "llava",
				Timeout:     "120s",
			},
			Local: LocalConfig{
				Binary:          "llama-cli",
				ModelDir:        filepath.Join(dataDir(), "models"),
				Model:           "",
				MaxLoadedModels: 2,
				Timeout:         "120s",
			},
		},
		Storage: StorageConfig{
			Path:         filepath.Join(dataDir(), "history.json"),
			SaveDebounce: "2s",
		},
		Clipboard: ClipboardConfig{
			PollInterval: "500ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default settings file location.
func DefaultPath() string {
	return filepath.Join(dataDir(), "config.yaml")
}

func dataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".clipmind"
	}
	return filepath.Join(base, "clipmind")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if kind := os.Getenv("CLIPMIND_BACKEND"); kind != "" {
		c.Backend.Kind = kind
	}
	if url := os.Getenv("CLIPMIND_OLLAMA_URL"); url != "" {
		c.Backend.Ollama.BaseURL = url
	}
	if model := os.Getenv("CLIPMIND_OLLAMA_MODEL"); model != "" {
		c.Backend.Ollama.Model = model
	}
	if path := os.Getenv("CLIPMIND_HISTORY_PATH"); path != "" {
		c.Storage.Path = path
	}
}

// ValidBackends lists all supported backend kinds.
var ValidBackends = []string{"ollama", "local"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validBackend := false
	for _, b := range ValidBackends {
		if c.Backend.Kind == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid backend kind: %s (valid: %v)", c.Backend.Kind, ValidBackends)
	}

	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("history.max_entries must be positive, got %d", c.History.MaxEntries)
	}

	if c.Enrichment.MinContentLength < 0 {
		return fmt.Errorf("enrichment.min_content_length must not be negative")
	}
	if c.Enrichment.MaxContentLength > 0 && c.Enrichment.MaxContentLength < c.Enrichment.MinContentLength {
		return fmt.Errorf("enrichment.max_content_length (%d) below min_content_length (%d)",
			c.Enrichment.MaxContentLength, c.Enrichment.MinContentLength)
	}

	for _, k := range c.Enrichment.Kinds {
		if !isEnrichmentKind(k) {
			return fmt.Errorf("unknown enrichment kind: %s", k)
		}
	}

	return nil
}

func isEnrichmentKind(name string) bool {
	for _, k := range prompt.EnrichmentKinds {
		if string(k) == name {
			return true
		}
	}
	return false
}

// EnrichmentKinds returns the configured fan-out kinds, unknown names
// skipped. An empty list means enrichment is effectively off.
func (c *Config) EnrichmentKinds() []prompt.Kind {
	kinds := make([]prompt.Kind, 0, len(c.Enrichment.Kinds))
	for _, name := range c.Enrichment.Kinds {
		if isEnrichmentKind(name) {
			kinds = append(kinds, prompt.Kind(name))
		}
	}
	return kinds
}

// GetOllamaTimeout returns the Ollama request timeout as a duration.
func (c *Config) GetOllamaTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Ollama.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetLocalTimeout returns the runner subprocess timeout as a duration.
func (c *Config) GetLocalTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Local.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSaveDebounce returns the persistence debounce window as a duration.
func (c *Config) GetSaveDebounce() time.Duration {
	d, err := time.ParseDuration(c.Storage.SaveDebounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetPollInterval returns the clipboard poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Clipboard.PollInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
