// Package config resolves runtime settings from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zoeflow/zoeflow/errs"
)

// Provider names accepted by ZOEFLOW_LLM_PROVIDER.
const (
	ProviderOpenRouter = "openrouter"
	ProviderBedrock    = "bedrock"
)

const (
	DefaultContentDir      = "content"
	DefaultBaseURL         = "https://openrouter.ai/api/v1"
	DefaultModel           = "openai/gpt-4o-mini"
	DefaultEmbeddingModel  = "openai/text-embedding-3-small"
	DefaultEnrichmentModel = "openai/gpt-4o-mini"
	DefaultPromptVersion   = "v2"
)

// Config carries every tunable the services take. Zero values are
// filled by Default; Load layers the YAML file and environment on top.
type Config struct {
	ContentDir string `yaml:"content_dir"`

	Provider string `yaml:"provider"`

	OpenRouterAPIKey  string `yaml:"openrouter_api_key"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`

	Model           string `yaml:"model"`
	EmbeddingModel  string `yaml:"embedding_model"`
	EnrichmentModel string `yaml:"enrichment_model"`

	EnrichmentEnabled       bool   `yaml:"enrichment_enabled"`
	EnrichmentPromptVersion string `yaml:"enrichment_prompt_version"`
	// EnrichmentContentSet is a comma-separated subset of the embedded
	// text fields; empty means all of them.
	EnrichmentContentSet string `yaml:"enrichment_content_set"`

	UseVectra bool `yaml:"use_vectra"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ContentDir:              DefaultContentDir,
		Provider:                ProviderOpenRouter,
		OpenRouterBaseURL:       DefaultBaseURL,
		Model:                   DefaultModel,
		EmbeddingModel:          DefaultEmbeddingModel,
		EnrichmentModel:         DefaultEnrichmentModel,
		EnrichmentPromptVersion: DefaultPromptVersion,
	}
}

// Load builds the effective configuration. path may be empty, in which
// case zoeflow.yaml in the working directory is used when present. A
// named file that does not exist is an error; the implicit default
// file is optional.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "zoeflow.yaml"
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errs.Wrap(errs.KindValidation, "parse config file "+path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No default file; proceed with defaults plus env.
	default:
		return Config{}, errs.Wrap(errs.KindValidation, "read config file "+path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv resolves configuration without any file, defaults plus
// environment only.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	setString(&c.ContentDir, "ZOEFLOW_CONTENT_DIR")
	setString(&c.Provider, "ZOEFLOW_LLM_PROVIDER")
	setString(&c.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	setString(&c.OpenRouterBaseURL, "OPENROUTER_BASE_URL")
	setString(&c.Model, "OPENROUTER_MODEL")
	setString(&c.EmbeddingModel, "OPENROUTER_EMBEDDING_MODEL")
	setString(&c.EnrichmentModel, "OPENROUTER_CHUNK_ENRICHMENT_MODEL")
	setString(&c.EnrichmentPromptVersion, "ZOEFLOW_CHUNK_ENRICHMENT_PROMPT_VERSION")
	setString(&c.EnrichmentContentSet, "ZOEFLOW_CHUNK_ENRICHMENT_CONTENT_SET")
	setBool(&c.EnrichmentEnabled, "ZOEFLOW_LLM_AUGMENTED_CHUNKING")
	setBool(&c.UseVectra, "USE_VECTRA")
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderOpenRouter, ProviderBedrock:
		return nil
	default:
		return errs.Errorf(errs.KindValidation, "unknown llm provider %q", c.Provider)
	}
}

// Logger builds the process logger, JSON lines on stdout. Verbose
// lowers the level to debug.
func (c Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// setBool accepts 1/true/yes/on as true and 0/false/no/off as false.
// Anything else leaves the current value.
func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off", "":
		*dst = false
	default:
		fmt.Fprintf(os.Stderr, "ignoring unrecognized %s=%q\n", key, v)
	}
}
