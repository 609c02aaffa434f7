// Package config loads folio configuration from defaults, an optional TOML
// file, and FOLIO_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Home is the vault root directory. Everything folio persists lives
	// under it: pdf/, archive/, staging/, inbox/, catalog.db, records.yaml.
	Home string `toml:"home"`

	Server ServerConfig `toml:"server"`
	Embed  EmbedConfig  `toml:"embed"`
	Lookup LookupConfig `toml:"lookup"`
	Worker WorkerConfig `toml:"worker"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Port  int    `toml:"port"`
	Token string `toml:"token"`
}

type EmbedConfig struct {
	// OllamaURL is the base URL of the local Ollama instance used for
	// chunk embedding.
	OllamaURL string `toml:"ollama_url"`
	Model     string `toml:"model"`
	Dim       int    `toml:"dim"`
}

type LookupConfig struct {
	// Enabled controls whether ingest proposals are enriched from the
	// external bibliographic registry.
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

type WorkerConfig struct {
	// PollInterval is how often the valorization worker checks the queue
	// when idle.
	PollInterval time.Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func defaults() Config {
	home := os.Getenv("FOLIO_HOME")
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".folio")
		} else {
			home = ".folio"
		}
	}
	return Config{
		Home: home,
		Server: ServerConfig{
			Port: 4810,
		},
		Embed: EmbedConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dim:       768,
		},
		Lookup: LookupConfig{
			Enabled: true,
			BaseURL: "https://api.crossref.org",
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves configuration: defaults, then <home>/config.toml if present,
// then FOLIO_* environment variables.
func Load() (Config, error) {
	cfg := defaults()

	path := filepath.Join(cfg.Home, "config.toml")
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Embed.Dim <= 0 {
		return Config{}, fmt.Errorf("embed.dim must be positive, got %d", cfg.Embed.Dim)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FOLIO_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("FOLIO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FOLIO_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("FOLIO_OLLAMA_URL"); v != "" {
		cfg.Embed.OllamaURL = v
	}
	if v := os.Getenv("FOLIO_EMBED_MODEL"); v != "" {
		cfg.Embed.Model = v
	}
	if v := os.Getenv("FOLIO_EMBED_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embed.Dim = dim
		}
	}
	if v := os.Getenv("FOLIO_LOOKUP_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Lookup.Enabled = enabled
		}
	}
	if v := os.Getenv("FOLIO_LOOKUP_URL"); v != "" {
		cfg.Lookup.BaseURL = v
	}
	if v := os.Getenv("FOLIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Vault path helpers. Kept here so every component agrees on layout.

// PDFDir is the sharded permanent PDF store.
func (c Config) PDFDir() string { return filepath.Join(c.Home, "pdf") }

// ArchiveDir is the sharded .folio archive store.
func (c Config) ArchiveDir() string { return filepath.Join(c.Home, "archive") }

// StagingDir holds uncommitted ingest proposals.
func (c Config) StagingDir() string { return filepath.Join(c.Home, "staging") }

// InboxDir is watched for dropped PDFs.
func (c Config) InboxDir() string { return filepath.Join(c.Home, "inbox") }

// CatalogPath is the catalog SQLite database.
func (c Config) CatalogPath() string { return filepath.Join(c.Home, "catalog.db") }

// VectorPath is the vector index SQLite database.
func (c Config) VectorPath() string { return filepath.Join(c.Home, "vectors.db") }

// RecordsPath is the bibliographic record store.
func (c Config) RecordsPath() string { return filepath.Join(c.Home, "records.yaml") }

// EnsureDirs creates the vault directory layout.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.PDFDir(), c.ArchiveDir(), c.StagingDir(), c.InboxDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
