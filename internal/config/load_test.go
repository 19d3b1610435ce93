package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.RateLimitRPM)
	assert.Equal(t, 20, cfg.Agent.MaxToolIterations)
	assert.Empty(t, cfg.Providers)
}

func TestLoad_ParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// trailing commas and comments are allowed
		server: { port: 8080 },
		providers: {
			openai: {
				adapterType: "openai",
				apiKey: "sk-file",
				models: [
					{ type: "llm", name: "gpt-4o-mini" },
					{ type: "embed", name: "text-embedding-3-small" },
				],
			},
		},
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, "sk-file", cfg.Providers["openai"].APIKey)
	require.Len(t, cfg.Providers["openai"].Models, 2)
	assert.True(t, cfg.HasLLM())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		providers: {
			anthropic: { adapterType: "anthropic", models: [{ type: "llm", name: "claude-sonnet" }] },
		},
	}`), 0o644))

	t.Setenv("AGENTOS_PORT", "9090")
	t.Setenv("AGENTOS_LEDGER_PATH", "/tmp/ledger.db")
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "sk-env", cfg.Providers["anthropic"].APIKey)
}

func TestLoad_EnvKeyDoesNotClobberFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		providers: {
			openai: { adapterType: "openai", apiKey: "sk-file", models: [] },
		},
	}`), 0o644))

	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Providers["openai"].APIKey)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Providers["bad"] = ProviderConfig{AdapterType: "grpc"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapterType")

	cfg.Providers["bad"] = ProviderConfig{
		AdapterType: AdapterCustom,
		Models:      []ModelConfig{{Type: "vision", Name: "m"}},
	}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")

	delete(cfg.Providers, "bad")
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}
