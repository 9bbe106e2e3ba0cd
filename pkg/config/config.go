// Package config loads the service configuration from a YAML file with
// HOTDOG_-prefixed environment overrides. Secrets (the OpenRouter API key
// and the battle submission token) are expected from the environment in
// most deployments.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// defaultPrompt is the classification prompt sent with every image.
const defaultPrompt = `Look at the image. Is it a hot dog (a cooked sausage served in a sliced bun)?

Output exactly:
Observations: <one short sentence about what you see>
Answer: <yes|no>`

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Dataset    DatasetConfig    `yaml:"dataset" mapstructure:"dataset"`
	Benchmark  BenchmarkConfig  `yaml:"benchmark" mapstructure:"benchmark"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Battle     BattleConfig     `yaml:"battle" mapstructure:"battle"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen    string          `yaml:"listen" mapstructure:"listen"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig holds the per-IP request budgets.
type RateLimitConfig struct {
	RequestsPerMinute       int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BattleRequestsPerMinute int `yaml:"battle_requests_per_minute" mapstructure:"battle_requests_per_minute"`
}

// DatasetConfig points at the image directory.
type DatasetConfig struct {
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// BenchmarkConfig configures benchmark runs.
type BenchmarkConfig struct {
	ResultsDir           string   `yaml:"results_dir" mapstructure:"results_dir"`
	Models               []string `yaml:"models" mapstructure:"models"`
	DefaultSampleSize    int      `yaml:"default_sample_size" mapstructure:"default_sample_size"`
	MaxConsecutiveErrors int      `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
}

// OpenRouterConfig configures the inference provider.
type OpenRouterConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string `yaml:"api_key" mapstructure:"api_key"`
	Prompt            string `yaml:"prompt" mapstructure:"prompt"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestTimeoutSec int    `yaml:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
}

// BattleConfig configures the battle arena.
type BattleConfig struct {
	Token          string        `yaml:"token" mapstructure:"token"`
	BaselineModel  string        `yaml:"baseline_model" mapstructure:"baseline_model"`
	MinVotes       int           `yaml:"min_votes" mapstructure:"min_votes"`
	ExcludedModels []string      `yaml:"excluded_models" mapstructure:"excluded_models"`
	MaxImageMB     int           `yaml:"max_image_mb" mapstructure:"max_image_mb"`
	Images         StorageConfig `yaml:"images" mapstructure:"images"`
}

// StorageConfig selects the battle image backend.
type StorageConfig struct {
	Backend string   `yaml:"backend" mapstructure:"backend"`
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	S3      S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config configures the S3 image backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// DatabaseConfig configures the battle store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// Load reads the config file (when present), applies environment overrides,
// fills defaults and validates. A missing file is fine: defaults plus
// environment make a workable local setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("HOTDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env-only keys are invisible to Unmarshal without explicit binds.
	for _, key := range []string{
		"openrouter.api_key",
		"battle.token",
		"battle.images.s3.access_key",
		"battle.images.s3.secret_key",
		"database.dsn",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8000"
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 120
	}

	if c.Server.RateLimit.BattleRequestsPerMinute == 0 {
		c.Server.RateLimit.BattleRequestsPerMinute = 5
	}

	if c.Dataset.DataDir == "" {
		c.Dataset.DataDir = "data/hotdog"
	}

	if c.Benchmark.ResultsDir == "" {
		c.Benchmark.ResultsDir = "results"
	}

	if len(c.Benchmark.Models) == 0 {
		c.Benchmark.Models = []string{
			"nvidia/nemotron-nano-12b-v2-vl:free",
			"google/gemma-3-27b-it:free",
			"allenai/molmo-2-8b:free",
			"google/gemma-3-12b-it:free",
		}
	}

	if c.Benchmark.DefaultSampleSize == 0 {
		c.Benchmark.DefaultSampleSize = 20
	}

	if c.Benchmark.MaxConsecutiveErrors == 0 {
		c.Benchmark.MaxConsecutiveErrors = 10
	}

	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}

	if c.OpenRouter.Prompt == "" {
		c.OpenRouter.Prompt = defaultPrompt
	}

	if c.OpenRouter.RequestsPerMinute == 0 {
		c.OpenRouter.RequestsPerMinute = 20
	}

	if c.OpenRouter.RequestTimeoutSec == 0 {
		c.OpenRouter.RequestTimeoutSec = 120
	}

	if c.Battle.BaselineModel == "" {
		c.Battle.BaselineModel = "nvidia/nemotron-nano-12b-v2-vl:free"
	}

	if c.Battle.MinVotes == 0 {
		c.Battle.MinVotes = 2
	}

	if c.Battle.ExcludedModels == nil {
		c.Battle.ExcludedModels = []string{"openclaw", "unknown"}
	}

	if c.Battle.MaxImageMB == 0 {
		c.Battle.MaxImageMB = 10
	}

	if c.Battle.Images.Backend == "" {
		c.Battle.Images.Backend = "local"
	}

	if c.Battle.Images.Dir == "" {
		c.Battle.Images.Dir = "data/battle_images"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "data/battle.db"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Battle.Images.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("battle.images.backend: unknown backend %q", c.Battle.Images.Backend)
	}

	if c.Battle.Images.Backend == "s3" && c.Battle.Images.S3.Bucket == "" {
		return errors.New("battle.images.s3.bucket is required for the s3 backend")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}

	if c.Benchmark.DefaultSampleSize < 0 {
		return errors.New("benchmark.default_sample_size must not be negative")
	}

	if c.Battle.MinVotes < 1 {
		return errors.New("battle.min_votes must be at least 1")
	}

	return nil
}

var titleCaser = cases.Title(language.English)

// ModelDisplayName turns a model id like "google/gemma-3-27b-it:free" into
// a readable name ("Gemma 3 27b It").
func ModelDisplayName(id string) string {
	name := id

	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}

	name = strings.ReplaceAll(name, "-", " ")

	return titleCaser.String(name)
}
