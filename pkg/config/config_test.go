package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the loader at a fresh config dir and clears the variables it reads.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	for _, v := range []string{EnvAnthropicKey, EnvOpenAIKey, EnvGoogleKey, EnvOTLPEndpoint, EnvAuditDB, EnvLogLevel, EnvMode} {
		t.Setenv(v, "")
		require.NoError(t, os.Unsetenv(v))
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.yaml"), `api_keys:
  anthropic: file-ant
  openai: file-openai
telemetry:
  otlp_endpoint: collector:4318
  insecure: true
audit:
  db: /var/lib/routegate/audit.db
log_level: warn
`)
	t.Setenv(EnvAnthropicKey, "env-ant")
	t.Setenv(EnvAuditDB, "/tmp/override.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-ant", cfg.AnthropicAPIKey)
	assert.Equal(t, "file-openai", cfg.OpenAIAPIKey)
	assert.Empty(t, cfg.GoogleAPIKey)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTLPInsecure)
	assert.Equal(t, "/tmp/override.db", cfg.AuditDB)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, dir, cfg.ConfigDir)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "ROUTEGATE_LOG_LEVEL=debug\nROUTEGATE_MODE=airgapped\n")
	t.Setenv(EnvMode, "burst")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "burst", cfg.Mode)
	assert.Equal(t, "burst", cfg.RoutingConfig.Mode)
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NotNil(t, cfg.RoutingConfig)
	assert.Equal(t, "role_based", cfg.RoutingConfig.Strategy)
	assert.Equal(t, "local_only", cfg.RoutingConfig.Mode)
	assert.NoError(t, cfg.RoutingConfig.Validate())
}

func TestLoadFindsRoutingTOML(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "routing.toml"), "strategy = \"single\"\ndefault_model = \"llama3:8b\"\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "single", cfg.RoutingConfig.Strategy)
	assert.Equal(t, "llama3:8b", cfg.RoutingConfig.DefaultModel)
}

func TestLoadWithRoutingFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, path, "strategy: adaptive\ntier_models:\n  high: llama3:70b\n")

	cfg, err := LoadWithRoutingFile(path)
	require.NoError(t, err)
	assert.Equal(t, "adaptive", cfg.RoutingConfig.Strategy)
	assert.Equal(t, "llama3:70b", cfg.RoutingConfig.TierModels.High)

	_, err = LoadWithRoutingFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedFileConfig(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.yaml"), "api_keys: [not, a, map\n")

	_, err := Load()
	assert.Error(t, err)
}

func TestAPIKeyLookup(t *testing.T) {
	isolate(t)
	t.Setenv("CUSTOM_GATEWAY_KEY", "gw")
	cfg := &Config{AnthropicAPIKey: "a", OpenAIAPIKey: "o", GoogleAPIKey: "g"}

	assert.Equal(t, "a", cfg.APIKey(EnvAnthropicKey))
	assert.Equal(t, "o", cfg.APIKey(EnvOpenAIKey))
	assert.Equal(t, "g", cfg.APIKey(EnvGoogleKey))
	assert.Equal(t, "gw", cfg.APIKey("CUSTOM_GATEWAY_KEY"))
	assert.Empty(t, cfg.APIKey(""))

	assert.True(t, cfg.HasProvider("anthropic"))
	assert.True(t, cfg.HasProvider("ollama"))
	assert.False(t, (&Config{}).HasProvider("openai"))
}
