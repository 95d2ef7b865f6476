package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudskoy/clipmind/internal/config"
)

func TestFactory(t *testing.T) {
	t.Run("ollama", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.Kind = "ollama"
		cfg.Backend.Ollama.Model = "phi3"

		b, err := New(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "ollama", b.Name())

		o, ok := b.(*Ollama)
		require.True(t, ok)
		assert.Equal(t, "phi3", o.GetModel())

		_, ok = b.(ImageDescriber)
		assert.True(t, ok, "ollama backend can describe images")
	})

	t.Run("local", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.Kind = "local"
		cfg.Backend.Local.Model = "tiny.gguf"

		b, err := New(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "local", b.Name())

		_, ok := b.(ImageDescriber)
		assert.False(t, ok, "the subprocess runner has no vision path")
	})

	t.Run("unknown kind", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.Kind = "cloud"

		_, err := New(cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend kind")
	})
}
