package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rudskoy/clipmind/internal/config"
)

// New builds the backend selected by the configuration. An unknown kind is
// an error; the enrichment service surfaces it as "no backend configured".
func New(cfg *config.Config, log *zap.Logger) (Backend, error) {
	switch cfg.Backend.Kind {
	case "ollama":
		return NewOllama(OllamaConfig{
			BaseURL:     cfg.Backend.Ollama.BaseURL,
			Model:       cfg.Backend.Ollama.Model,
			VisionModel: cfg.Backend.Ollama.VisionModel,
			Timeout:     cfg.GetOllamaTimeout(),
		}), nil

	case "local":
		return NewRunner(RunnerConfig{
			Binary:      cfg.Backend.Local.Binary,
			ModelDir:    cfg.Backend.Local.ModelDir,
			Model:       cfg.Backend.Local.Model,
			MaxSessions: cfg.Backend.Local.MaxLoadedModels,
			ExtraArgs:   cfg.Backend.Local.ExtraArgs,
			Timeout:     cfg.GetLocalTimeout(),
		}, log), nil

	default:
		return nil, fmt.Errorf("unknown backend kind: %q (valid: %v)", cfg.Backend.Kind, config.ValidBackends)
	}
}
