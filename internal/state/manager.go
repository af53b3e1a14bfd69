package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
)

// conflictRetries bounds how often a mutation is retried on a version
// conflict before surfacing ErrConflict.
const conflictRetries = 3

// Manager is the unified state manager. It owns all reads and writes of
// world documents, player views, and profiles, and enforces the experience's
// configured locking and versioning discipline.
type Manager struct {
	store docstore.Store
	exps  *experience.Loader
}

// NewManager creates a [Manager] over the given store and experience loader.
func NewManager(store docstore.Store, exps *experience.Loader) *Manager {
	return &Manager{store: store, exps: exps}
}

// LoadConfig returns the validated config for an experience.
func (m *Manager) LoadConfig(id string) (*experience.Config, error) {
	return m.exps.Load(id)
}

// ListExperiences returns all experience ids under the content root.
func (m *Manager) ListExperiences() ([]string, error) {
	return m.exps.List()
}

// GetExperienceInfo returns the discovery summary for an experience.
func (m *Manager) GetExperienceInfo(id string) (experience.Info, error) {
	return m.exps.Info(id)
}

// resolveWorldPath picks the live world document path for the experience's
// state model. Isolated requires a player id.
func (m *Manager) resolveWorldPath(cfg *experience.Config, playerID string) (string, error) {
	if cfg.Shared() {
		return worldPath(cfg.ID), nil
	}
	if playerID == "" {
		return "", fmt.Errorf("state: experience %q is isolated, player id required", cfg.ID)
	}
	return isolatedWorldPath(cfg.ID, playerID), nil
}

// readTemplate loads the authored world template from the content root.
func (m *Manager) readTemplate(experienceID string) (*World, error) {
	path := filepath.Join(m.exps.Dir(experienceID), "state", "world.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorld, experienceID)
		}
		return nil, fmt.Errorf("state: read world template for %q: %w", experienceID, err)
	}
	var w World
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("state: parse world template for %q: %w", experienceID, err)
	}
	return &w, nil
}

// TemplateWorld returns the authored world template, independent of any live
// document. Handlers use it to tell an instance the experience once placed
// (and somebody collected) apart from an id that never existed.
func (m *Manager) TemplateWorld(experienceID string) (*World, error) {
	return m.readTemplate(experienceID)
}

// loadWorld reads the live world document, falling back to the template when
// no live document exists yet. storedVersion is 0 in the fallback case, which
// is the expected-version a creating write must use.
func (m *Manager) loadWorld(ctx context.Context, cfg *experience.Config, path string) (w *World, storedVersion int64, err error) {
	doc, version, err := m.store.Read(ctx, path)
	switch {
	case err == nil:
		var world World
		if err := json.Unmarshal(doc, &world); err != nil {
			return nil, 0, fmt.Errorf("state: parse world %q: %w", path, err)
		}
		return &world, version, nil
	case errors.Is(err, docstore.ErrNotFound):
		tmpl, err := m.readTemplate(cfg.ID)
		if err != nil {
			return nil, 0, err
		}
		return tmpl, 0, nil
	default:
		return nil, 0, err
	}
}

// GetWorldState returns the world the given player sees. For the shared
// model playerID is ignored; for isolated it selects the player's private
// world. A live document that does not exist yet is served from the
// template without writing.
func (m *Manager) GetWorldState(ctx context.Context, experienceID, playerID string) (*World, error) {
	cfg, err := m.exps.Load(experienceID)
	if err != nil {
		return nil, err
	}
	path, err := m.resolveWorldPath(cfg, playerID)
	if err != nil {
		return nil, err
	}
	w, _, err := m.loadWorld(ctx, cfg, path)
	return w, err
}

// lockTimeout returns the configured lock acquisition bound.
func lockTimeout(cfg *experience.Config) time.Duration {
	return time.Duration(cfg.State.LockTimeoutMs) * time.Millisecond
}

// UpdateWorldState runs mutator over the current world under the configured
// locking discipline, bumps the version, and writes with an expected-version
// check. On a version conflict the world is re-read and the mutator re-run,
// up to the retry bound; the mutator must therefore be safe to re-run and
// must not capture state from a previous attempt. Returns the committed
// world.
func (m *Manager) UpdateWorldState(ctx context.Context, experienceID, playerID string, mutator func(w *World) error) (*World, error) {
	cfg, err := m.exps.Load(experienceID)
	if err != nil {
		return nil, err
	}
	path, err := m.resolveWorldPath(cfg, playerID)
	if err != nil {
		return nil, err
	}

	apply := func(ctx context.Context) (*World, error) {
		for attempt := 0; attempt <= conflictRetries; attempt++ {
			w, storedVersion, err := m.loadWorld(ctx, cfg, path)
			if err != nil {
				return nil, err
			}
			if err := mutator(w); err != nil {
				return nil, err
			}
			w.Metadata.Version++
			w.Metadata.LastModified = now()
			if w.Metadata.CreatedAt == "" {
				w.Metadata.CreatedAt = w.Metadata.LastModified
			}

			doc, err := marshalDoc(w)
			if err != nil {
				return nil, err
			}
			expected := storedVersion
			if !cfg.State.OptimisticVersioning {
				expected = docstore.AnyVersion
			}
			err = m.store.Write(ctx, path, doc, expected)
			if err == nil {
				return w, nil
			}
			if !errors.Is(err, docstore.ErrVersionConflict) {
				return nil, err
			}
			slog.Debug("state: world write conflicted, retrying",
				"experience", experienceID, "path", path, "attempt", attempt)
		}
		return nil, fmt.Errorf("%w: %s", ErrConflict, path)
	}

	if !cfg.State.LockingEnabled {
		return apply(ctx)
	}
	var out *World
	err = docstore.WithLock(ctx, m.store, path, lockTimeout(cfg), func(ctx context.Context) error {
		var err error
		out, err = apply(ctx)
		return err
	})
	return out, err
}

// GetPlayerView returns the player's view for an experience. It does not
// auto-create: [ErrNotInitialized] is returned when the player has never
// been initialized for this experience.
func (m *Manager) GetPlayerView(ctx context.Context, experienceID, playerID string) (*View, error) {
	doc, _, err := m.store.Read(ctx, viewPath(playerID, experienceID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: player %q in %q", ErrNotInitialized, playerID, experienceID)
		}
		return nil, err
	}
	var v View
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("state: parse view for %q: %w", playerID, err)
	}
	return &v, nil
}

// UpdatePlayerView runs mutator over the player's view under its own lock,
// bumps the version, and writes with an expected-version check. The view
// must already exist.
func (m *Manager) UpdatePlayerView(ctx context.Context, experienceID, playerID string, mutator func(v *View) error) (*View, error) {
	cfg, err := m.exps.Load(experienceID)
	if err != nil {
		return nil, err
	}
	path := viewPath(playerID, experienceID)

	apply := func(ctx context.Context) (*View, error) {
		for attempt := 0; attempt <= conflictRetries; attempt++ {
			doc, storedVersion, err := m.store.Read(ctx, path)
			if err != nil {
				if errors.Is(err, docstore.ErrNotFound) {
					return nil, fmt.Errorf("%w: player %q in %q", ErrNotInitialized, playerID, experienceID)
				}
				return nil, err
			}
			var v View
			if err := json.Unmarshal(doc, &v); err != nil {
				return nil, fmt.Errorf("state: parse view for %q: %w", playerID, err)
			}
			if err := mutator(&v); err != nil {
				return nil, err
			}
			v.Metadata.Version++
			v.Metadata.LastModified = now()
			v.Session.LastActive = v.Metadata.LastModified

			out, err := marshalDoc(&v)
			if err != nil {
				return nil, err
			}
			err = m.store.Write(ctx, path, out, storedVersion)
			if err == nil {
				return &v, nil
			}
			if !errors.Is(err, docstore.ErrVersionConflict) {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrConflict, path)
	}

	var out *View
	err = docstore.WithLock(ctx, m.store, path, lockTimeout(cfg), func(ctx context.Context) error {
		var err error
		out, err = apply(ctx)
		return err
	})
	return out, err
}

// EnsurePlayerInitialized is the single entry point that creates a player's
// view (and, for isolated experiences with copy_template_for_isolated, their
// private world). Idempotent: an existing view is returned untouched.
func (m *Manager) EnsurePlayerInitialized(ctx context.Context, experienceID, playerID string) (*View, error) {
	cfg, err := m.exps.Load(experienceID)
	if err != nil {
		return nil, err
	}

	if v, err := m.GetPlayerView(ctx, experienceID, playerID); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	path := viewPath(playerID, experienceID)
	var created *View
	err = docstore.WithLock(ctx, m.store, path, lockTimeout(cfg), func(ctx context.Context) error {
		// Re-check under the lock; a concurrent bootstrap may have won.
		if v, err := m.GetPlayerView(ctx, experienceID, playerID); err == nil {
			created = v
			return nil
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}

		if !cfg.Shared() && cfg.Bootstrap.CopyTemplateForIsolated {
			if err := m.copyTemplateWorld(ctx, cfg, playerID); err != nil {
				return err
			}
		}

		v, err := newView(cfg)
		if err != nil {
			return err
		}
		doc, err := marshalDoc(v)
		if err != nil {
			return err
		}
		if err := m.store.Write(ctx, path, doc, 0); err != nil {
			return err
		}
		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.recordExperiencePlayed(ctx, playerID, experienceID); err != nil {
		slog.Warn("state: record experience in profile failed",
			"player", playerID, "experience", experienceID, "err", err)
	}
	return created, nil
}

// copyTemplateWorld deep-copies the template into the player's private world
// document. An existing private world is left alone.
func (m *Manager) copyTemplateWorld(ctx context.Context, cfg *experience.Config, playerID string) error {
	path := isolatedWorldPath(cfg.ID, playerID)
	if _, _, err := m.store.Read(ctx, path); err == nil {
		return nil
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	tmpl, err := m.readTemplate(cfg.ID)
	if err != nil {
		return err
	}
	tmpl.Metadata.Version++
	tmpl.Metadata.CreatedAt = now()
	tmpl.Metadata.LastModified = tmpl.Metadata.CreatedAt

	doc, err := marshalDoc(tmpl)
	if err != nil {
		return err
	}
	return m.store.Write(ctx, path, doc, 0)
}

// newView builds the minimal bootstrap view from experience config.
func newView(cfg *experience.Config) (*View, error) {
	pos, err := ParsePosition(cfg.Bootstrap.PlayerStartingLocation)
	if err != nil {
		return nil, fmt.Errorf("state: experience %q: %w", cfg.ID, err)
	}

	var inv []Item
	for _, raw := range cfg.Bootstrap.PlayerStartingInventory {
		var it Item
		if err := FromTree(raw, &it); err != nil {
			return nil, fmt.Errorf("state: experience %q: starting inventory: %w", cfg.ID, err)
		}
		inv = append(inv, it)
	}

	ts := now()
	return &View{
		Player: PlayerState{
			Position:  pos,
			Inventory: inv,
			Stats:     map[string]any{},
		},
		Progress: Progress{
			VisitedLocations: []string{pos.Location},
			QuestStates:      map[string]map[string]any{},
		},
		Session:  Session{StartedAt: ts, LastActive: ts},
		Metadata: Metadata{Version: 1, CreatedAt: ts, LastModified: ts},
	}, nil
}

// ParsePosition splits a "location/area" or "location/area/spot" identifier.
func ParsePosition(s string) (Position, error) {
	var pos Position
	parts := strings.Split(strings.Trim(s, "/"), "/")
	switch len(parts) {
	case 2:
		pos.Location, pos.Area = parts[0], parts[1]
	case 3:
		pos.Location, pos.Area, pos.Spot = parts[0], parts[1], parts[2]
	default:
		return pos, fmt.Errorf("bad starting location %q, want location/area[/spot]", s)
	}
	if pos.Location == "" || pos.Area == "" {
		return pos, fmt.Errorf("bad starting location %q, want location/area[/spot]", s)
	}
	return pos, nil
}
