package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM provider names. [Validate] warns about
// unrecognised names instead of failing, so third-party registrations keep
// working.
var ValidLLMProviders = []string{
	"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "ollama", "mock",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the blanks an operator may reasonably omit.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFS
	}
	if cfg.Store.Backend == StoreFS && cfg.Store.FSRoot == "" {
		cfg.Store.FSRoot = "./data"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.AuthSecret == "" {
		slog.Warn("server.auth_secret is empty; the HTTP and websocket surfaces will reject every token")
	}

	// Content
	if cfg.Content.Root == "" {
		errs = append(errs, errors.New("content.root is required"))
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: fs, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend == StoreFS && cfg.Store.FSRoot == "" {
		errs = append(errs, errors.New("store.fs_root is required when store.backend is fs"))
	}

	// LLM
	if cfg.LLM.Name == "" {
		slog.Warn("llm.name is empty; markdown commands will fail until a provider is configured")
	} else if !slices.Contains(ValidLLMProviders, cfg.LLM.Name) {
		slog.Warn("unknown llm provider name, may be a typo or third-party provider",
			"name", cfg.LLM.Name,
			"known", ValidLLMProviders,
		)
	}

	// Broadcast
	if cfg.Broadcast.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("broadcast.queue_size %d is negative", cfg.Broadcast.QueueSize))
	}

	return errors.Join(errs...)
}
