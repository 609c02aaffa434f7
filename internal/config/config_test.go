package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FOLIO_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %q, want %q", cfg.Home, home)
	}
	if cfg.Server.Port != 4810 {
		t.Errorf("Port = %d, want 4810", cfg.Server.Port)
	}
	if cfg.Embed.Model != "nomic-embed-text" || cfg.Embed.Dim != 768 {
		t.Errorf("unexpected embed defaults: %+v", cfg.Embed)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.Worker.PollInterval)
	}
	if !cfg.Lookup.Enabled || cfg.Lookup.BaseURL != "https://api.crossref.org" {
		t.Errorf("unexpected lookup defaults: %+v", cfg.Lookup)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FOLIO_HOME", home)

	tomlData := `
[server]
port = 9999

[embed]
model = "mxbai-embed-large"
dim = 1024
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(tomlData), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Embed.Model != "mxbai-embed-large" || cfg.Embed.Dim != 1024 {
		t.Errorf("embed = %+v", cfg.Embed)
	}
	// Untouched values keep defaults.
	if cfg.Embed.OllamaURL != "http://localhost:11434" {
		t.Errorf("OllamaURL = %q", cfg.Embed.OllamaURL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FOLIO_HOME", home)

	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[server]\nport = 9000\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("FOLIO_PORT", "9001")
	t.Setenv("FOLIO_EMBED_DIM", "384")
	t.Setenv("FOLIO_LOOKUP_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Port = %d, want env override 9001", cfg.Server.Port)
	}
	if cfg.Embed.Dim != 384 {
		t.Errorf("Dim = %d, want 384", cfg.Embed.Dim)
	}
	if cfg.Lookup.Enabled {
		t.Error("Lookup.Enabled not overridden by env")
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FOLIO_HOME", home)

	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("not toml ==="), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted malformed TOML")
	}
}

func TestEnsureDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FOLIO_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{cfg.PDFDir(), cfg.ArchiveDir(), cfg.StagingDir(), cfg.InboxDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing vault dir %s: %v", dir, err)
		}
	}
}
