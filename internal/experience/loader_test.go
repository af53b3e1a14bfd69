package experience

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `{
  "id": "wylding-woods",
  "name": "Wylding Woods",
  "version": "1.0",
  "state": {
    "model": "shared",
    "locking_enabled": true,
    "optimistic_versioning": true
  },
  "multiplayer": {"enabled": true},
  "bootstrap": {
    "player_starting_location": "woander_store/main_room/spot_5",
    "player_starting_inventory": []
  },
  "capabilities": {"gps_based": true}
}`

func writeExperience(t *testing.T, root, id, config string) {
	t.Helper()
	dir := filepath.Join(root, "experiences", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(validConfig))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.ID != "wylding-woods" {
		t.Errorf("ID = %q", cfg.ID)
	}
	if !cfg.Shared() {
		t.Error("Shared() = false, want true")
	}
	if cfg.State.LockTimeoutMs != 5000 {
		t.Errorf("default lock timeout = %d, want 5000", cfg.State.LockTimeoutMs)
	}
}

func TestLoadFromReaderValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing model",
			config:  `{"id": "x", "name": "X", "state": {}, "multiplayer": {"enabled": false}}`,
			wantErr: "state.model must not be empty",
		},
		{
			name:    "bad model enum",
			config:  `{"id": "x", "name": "X", "state": {"model": "hybrid"}, "multiplayer": {"enabled": false}}`,
			wantErr: `state.model "hybrid"`,
		},
		{
			name:    "shared without multiplayer",
			config:  `{"id": "x", "name": "X", "state": {"model": "shared"}, "multiplayer": {"enabled": false}}`,
			wantErr: "multiplayer.enabled must be true",
		},
		{
			name:    "isolated with multiplayer",
			config:  `{"id": "x", "name": "X", "state": {"model": "isolated"}, "multiplayer": {"enabled": true}}`,
			wantErr: "multiplayer.enabled must be false",
		},
		{
			name:    "unknown field",
			config:  `{"id": "x", "name": "X", "state": {"model": "isolated"}, "multiplayer": {"enabled": false}, "bogus": 1}`,
			wantErr: "bogus",
		},
		{
			name:    "missing id and name",
			config:  `{"state": {"model": "isolated"}, "multiplayer": {"enabled": false}}`,
			wantErr: "id must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFromReader(strings.NewReader(tt.config))
			if !errors.Is(err, ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderCacheAndReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeExperience(t, root, "wylding-woods", validConfig)
	l := NewLoader(root)

	cfg, err := l.Load("wylding-woods")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "Wylding Woods" {
		t.Errorf("Name = %q", cfg.Name)
	}

	// Change the file on disk; the cache must serve the old copy until
	// invalidated.
	updated := strings.Replace(validConfig, "Wylding Woods", "Renamed Woods", 1)
	writeExperience(t, root, "wylding-woods", updated)

	cfg, err = l.Load("wylding-woods")
	if err != nil {
		t.Fatalf("cached Load: %v", err)
	}
	if cfg.Name != "Wylding Woods" {
		t.Errorf("cached Name = %q, want old value", cfg.Name)
	}

	l.Invalidate("wylding-woods")
	cfg, err = l.Load("wylding-woods")
	if err != nil {
		t.Fatalf("Load after Invalidate: %v", err)
	}
	if cfg.Name != "Renamed Woods" {
		t.Errorf("Name after reload = %q, want renamed value", cfg.Name)
	}
}

func TestLoaderNotFound(t *testing.T) {
	t.Parallel()
	l := NewLoader(t.TempDir())
	_, err := l.Load("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoaderIDMismatch(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mismatched := strings.Replace(validConfig, `"id": "wylding-woods"`, `"id": "other"`, 1)
	writeExperience(t, root, "wylding-woods", mismatched)

	_, err := NewLoader(root).Load("wylding-woods")
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not match directory") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoaderInvalidConfigRefusesOneExperience(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeExperience(t, root, "good", strings.Replace(validConfig, "wylding-woods", "good", 1))
	writeExperience(t, root, "bad", `{"id": "bad"}`)
	l := NewLoader(root)

	if _, err := l.Load("bad"); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("bad experience: expected ErrConfigInvalid, got %v", err)
	}
	if _, err := l.Load("good"); err != nil {
		t.Fatalf("good experience must stay serviceable: %v", err)
	}
}

func TestLoaderList(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeExperience(t, root, "b-exp", strings.Replace(validConfig, "wylding-woods", "b-exp", 1))
	writeExperience(t, root, "a-exp", strings.Replace(validConfig, "wylding-woods", "a-exp", 1))
	// Directory without a config.json is not an experience.
	if err := os.MkdirAll(filepath.Join(root, "experiences", "junk"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err := NewLoader(root).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a-exp" || ids[1] != "b-exp" {
		t.Errorf("List = %v, want [a-exp b-exp]", ids)
	}
}
