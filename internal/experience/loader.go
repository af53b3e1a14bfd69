package experience

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Loader reads experience configs from the content root and caches them by
// id. A config is loaded and validated on first reference; an invalid config
// refuses that experience only.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*Config
}

// NewLoader creates a [Loader] over the content root directory, the parent of
// experiences/.
func NewLoader(root string) *Loader {
	return &Loader{
		root:  root,
		cache: make(map[string]*Config),
	}
}

// Dir returns the directory of an experience's content files.
func (l *Loader) Dir(id string) string {
	return filepath.Join(l.root, "experiences", id)
}

// configPath returns the config.json location for an experience id.
func (l *Loader) configPath(id string) string {
	return filepath.Join(l.Dir(id), "config.json")
}

// Load returns the cached config for id, reading and validating it on first
// reference. Returns [ErrNotFound] when the experience has no config.json and
// [ErrConfigInvalid] when the config fails validation.
func (l *Loader) Load(id string) (*Config, error) {
	l.mu.RLock()
	cfg, ok := l.cache[id]
	l.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	return l.Reload(id)
}

// Reload reads the config from disk, replacing any cached copy.
func (l *Loader) Reload(id string) (*Config, error) {
	f, err := os.Open(l.configPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("experience: open config for %q: %w", id, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("experience %q: %w", id, err)
	}
	if cfg.ID != id {
		return nil, fmt.Errorf("%w: config id %q does not match directory %q",
			ErrConfigInvalid, cfg.ID, id)
	}

	l.mu.Lock()
	l.cache[id] = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Invalidate drops the cached config for id. The next Load re-reads it.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
}

// LoadFromReader parses and validates one experience config from r.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("experience: read config: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrConfigInvalid, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// List returns the ids of all experiences under the content root that carry a
// config.json, sorted. Invalid configs are still listed; they fail on Load.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, "experiences"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("experience: list: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(l.configPath(e.Name())); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Info returns the discovery summary for id, loading the config if needed.
func (l *Loader) Info(id string) (Info, error) {
	cfg, err := l.Load(id)
	if err != nil {
		return Info{}, err
	}
	return cfg.Info(), nil
}
