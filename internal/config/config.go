// Package config holds the spiral configuration surface. Values come from
// spiral.yaml (working directory or data dir), SPIRAL_* environment
// variables, and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all spiral configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Query      QueryConfig      `mapstructure:"query"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Levels     LevelsConfig     `mapstructure:"levels"`
	Decay      DecayConfig      `mapstructure:"decay"`
	Compaction CompactionConfig `mapstructure:"compaction"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type QueryConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

type EmbeddingConfig struct {
	Dimensions int    `mapstructure:"dimensions"`
	OllamaURL  string `mapstructure:"ollama_url"`
	Model      string `mapstructure:"model"`
}

// LevelsConfig holds the minimum relevance score per named tier; scores
// below Archive land in Deep Archive.
type LevelsConfig struct {
	Focus     float64 `mapstructure:"focus"`
	Active    float64 `mapstructure:"active"`
	Reference float64 `mapstructure:"reference"`
	Archive   float64 `mapstructure:"archive"`
}

type DecayConfig struct {
	Rate        float64       `mapstructure:"rate"`
	Interval    time.Duration `mapstructure:"interval"`
	AccessBoost float64       `mapstructure:"access_boost"`
}

type CompactionConfig struct {
	MinContentChars int           `mapstructure:"min_content_chars"`
	SummaryTokens   int           `mapstructure:"summary_tokens"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		DataDir:  "", // resolved at runtime via store.DefaultDataDir()
		LogLevel: "info",
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37710,
		},
		Query: QueryConfig{
			MaxTokens: 4000,
		},
		Embedding: EmbeddingConfig{
			Dimensions: 384,
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
		},
		Levels: LevelsConfig{
			Focus:     0.7,
			Active:    0.5,
			Reference: 0.3,
			Archive:   0.1,
		},
		Decay: DecayConfig{
			Rate:        0.05,
			Interval:    time.Hour,
			AccessBoost: 0.05,
		},
		Compaction: CompactionConfig{
			MinContentChars: 600,
			SummaryTokens:   100,
			StalenessWindow: 720 * time.Hour,
		},
	}
}

// Load reads the config file (if any) and environment overrides on top of
// the defaults. path may be empty, in which case spiral.yaml is searched in
// the working directory and the data dir; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("server.bind", def.Server.Bind)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("query.max_tokens", def.Query.MaxTokens)
	v.SetDefault("embedding.dimensions", def.Embedding.Dimensions)
	v.SetDefault("embedding.ollama_url", def.Embedding.OllamaURL)
	v.SetDefault("embedding.model", def.Embedding.Model)
	v.SetDefault("levels.focus", def.Levels.Focus)
	v.SetDefault("levels.active", def.Levels.Active)
	v.SetDefault("levels.reference", def.Levels.Reference)
	v.SetDefault("levels.archive", def.Levels.Archive)
	v.SetDefault("decay.rate", def.Decay.Rate)
	v.SetDefault("decay.interval", def.Decay.Interval)
	v.SetDefault("decay.access_boost", def.Decay.AccessBoost)
	v.SetDefault("compaction.min_content_chars", def.Compaction.MinContentChars)
	v.SetDefault("compaction.summary_tokens", def.Compaction.SummaryTokens)
	v.SetDefault("compaction.staleness_window", def.Compaction.StalenessWindow)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spiral")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if def.DataDir != "" {
			v.AddConfigPath(def.DataDir)
		}
	}

	v.SetEnvPrefix("SPIRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file only matters when the caller named one explicitly.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// DBPath returns the database file path under the data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "spiral.db")
}

// ListenAddr returns the bind:port address string.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Verbose reports whether debug logging is enabled.
func (c Config) Verbose() bool {
	return c.LogLevel == "debug"
}
