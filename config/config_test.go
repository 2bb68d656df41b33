package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "content", cfg.ContentDir)
	assert.Equal(t, ProviderOpenRouter, cfg.Provider)
	assert.Equal(t, DefaultBaseURL, cfg.OpenRouterBaseURL)
	assert.False(t, cfg.EnrichmentEnabled)
	assert.False(t, cfg.UseVectra)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ZOEFLOW_CONTENT_DIR", "/tmp/zoeflow-data")
	t.Setenv("OPENROUTER_EMBEDDING_MODEL", "openai/text-embedding-3-large")
	t.Setenv("ZOEFLOW_LLM_AUGMENTED_CHUNKING", "1")
	t.Setenv("USE_VECTRA", "true")

	cfg := FromEnv()
	assert.Equal(t, "/tmp/zoeflow-data", cfg.ContentDir)
	assert.Equal(t, "openai/text-embedding-3-large", cfg.EmbeddingModel)
	assert.True(t, cfg.EnrichmentEnabled)
	assert.True(t, cfg.UseVectra)
}

func TestLoadYAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zoeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"content_dir: /from/yaml\nmodel: yaml/model\nuse_vectra: true\n"), 0o644))

	t.Setenv("ZOEFLOW_CONTENT_DIR", "/from/env")
	t.Setenv("OPENROUTER_MODEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env wins over the file, the file wins over defaults.
	assert.Equal(t, "/from/env", cfg.ContentDir)
	assert.Equal(t, "yaml/model", cfg.Model)
	assert.True(t, cfg.UseVectra)
	assert.Equal(t, DefaultEmbeddingModel, cfg.EmbeddingModel)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("ZOEFLOW_LLM_PROVIDER", "acme")
	dir := t.TempDir()
	path := filepath.Join(dir, "zoeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: m\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

func TestBoolParsingVariants(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on"} {
		t.Setenv("USE_VECTRA", v)
		assert.True(t, FromEnv().UseVectra, "value %q", v)
	}
	for _, v := range []string{"0", "false", "No", "off"} {
		t.Setenv("USE_VECTRA", v)
		assert.False(t, FromEnv().UseVectra, "value %q", v)
	}
}
