package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/config"
)

const loaderValidYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  auth_secret: "test-secret"
content:
  root: "./content"
store:
  backend: fs
  fs_root: "./data"
llm:
  name: openai
  model: gpt-4o
`

func TestLoad_ValidFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, loaderValidYAML)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm.model: got %q, want %q", cfg.LLM.Model, "gpt-4o")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
content:
  root: "./content"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Store.Backend != config.StoreFS {
		t.Errorf("default store.backend: got %q, want %q", cfg.Store.Backend, config.StoreFS)
	}
	if cfg.Store.FSRoot != "./data" {
		t.Errorf("default store.fs_root: got %q, want %q", cfg.Store.FSRoot, "./data")
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
content:
  root: "./content"
serverr:
  log_level: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
	if !strings.Contains(err.Error(), "serverr") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_MalformedYAML(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}
