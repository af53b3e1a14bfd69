package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
)

// ResetSummary describes a reset, either as a preview or as the record of a
// performed reset. Profiles are never part of a reset.
type ResetSummary struct {
	Experience     string   `json:"experience"`
	Preview        bool     `json:"preview"`
	Players        []string `json:"players"`
	ViewCount      int      `json:"view_count"`
	IsolatedWorlds int      `json:"isolated_worlds"`
	WorldVersion   int64    `json:"world_version"`
	NewVersion     int64    `json:"new_version,omitempty"`
	BackupPath     string   `json:"backup_path"`

	// World is the restored world after a performed reset, for broadcasting
	// the full post-reset state. Nil in previews.
	World *World `json:"-"`
}

// enumerateViews returns the view document paths and player ids for an
// experience.
func (m *Manager) enumerateViews(ctx context.Context, experienceID string) (paths, players []string, err error) {
	all, err := m.store.List(ctx, "players")
	if err != nil {
		return nil, nil, err
	}
	suffix := "/" + experienceID + "/view.json"
	for _, p := range all {
		if !strings.HasSuffix(p, suffix) {
			continue
		}
		rest := strings.TrimPrefix(p, "players/")
		playerID := strings.TrimSuffix(rest, suffix)
		if playerID == "" || strings.Contains(playerID, "/") {
			continue
		}
		paths = append(paths, p)
		players = append(players, playerID)
	}
	return paths, players, nil
}

// ResetExperience enumerates everything a reset would delete and, when not
// previewing, performs it: player views removed, isolated worlds removed,
// the shared world backed up and restored from its template with a version
// one past the pre-reset version. All relevant locks are acquired first; a
// single lock timeout aborts the reset with nothing deleted.
func (m *Manager) ResetExperience(ctx context.Context, experienceID string, preview bool) (*ResetSummary, error) {
	cfg, err := m.exps.Load(experienceID)
	if err != nil {
		return nil, err
	}

	viewPaths, players, err := m.enumerateViews(ctx, experienceID)
	if err != nil {
		return nil, err
	}
	isolatedPaths, err := m.store.List(ctx, fmt.Sprintf("experiences/%s/players", experienceID))
	if err != nil {
		return nil, err
	}

	livePath := worldPath(experienceID)
	var liveVersion int64
	if _, v, err := m.store.Read(ctx, livePath); err == nil {
		liveVersion = v
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	summary := &ResetSummary{
		Experience:     experienceID,
		Preview:        preview,
		Players:        players,
		ViewCount:      len(viewPaths),
		IsolatedWorlds: len(isolatedPaths),
		WorldVersion:   liveVersion,
		BackupPath:     backupPath(experienceID, timestamp),
	}
	if preview {
		return summary, nil
	}

	// Every lock or none: a timeout on any path aborts before deletion.
	lockPaths := append([]string{livePath}, viewPaths...)
	lockPaths = append(lockPaths, isolatedPaths...)
	var releases []func()
	release := func() {
		for _, r := range releases {
			r()
		}
	}
	for _, p := range lockPaths {
		r, err := m.store.Lock(ctx, p, lockTimeout(cfg))
		if err != nil {
			release()
			return nil, fmt.Errorf("state: reset %q: lock %q: %w", experienceID, p, err)
		}
		releases = append(releases, r)
	}
	defer release()

	if err := m.backupWorld(ctx, livePath, summary.BackupPath); err != nil {
		return nil, err
	}

	for _, p := range append(viewPaths, isolatedPaths...) {
		if err := m.store.Delete(ctx, p); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("state: reset %q: delete %q: %w", experienceID, p, err)
		}
	}

	restored, err := m.restoreWorldFromTemplate(ctx, cfg, livePath, liveVersion)
	if err != nil {
		return nil, err
	}
	summary.World = restored
	summary.NewVersion = restored.Metadata.Version

	slog.Info("state: experience reset",
		"experience", experienceID,
		"views_deleted", summary.ViewCount,
		"isolated_worlds_deleted", summary.IsolatedWorlds,
		"backup", summary.BackupPath,
		"version", summary.NewVersion)
	return summary, nil
}

// backupWorld copies the live world document to the backup path. A missing
// live world means nothing to back up.
func (m *Manager) backupWorld(ctx context.Context, livePath, backup string) error {
	doc, _, err := m.store.Read(ctx, livePath)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.store.Write(ctx, backup, doc, docstore.AnyVersion); err != nil {
		return fmt.Errorf("state: backup world to %q: %w", backup, err)
	}
	return nil
}

// restoreWorldFromTemplate writes the template content over the live world,
// with a version one past the pre-reset version so subscribers see the reset
// as a normal monotonic update.
func (m *Manager) restoreWorldFromTemplate(ctx context.Context, cfg *experience.Config, livePath string, liveVersion int64) (*World, error) {
	tmpl, err := m.readTemplate(cfg.ID)
	if err != nil {
		return nil, err
	}
	tmpl.Metadata.Version = liveVersion + 1
	tmpl.Metadata.LastModified = now()
	tmpl.Metadata.CreatedAt = tmpl.Metadata.LastModified

	doc, err := marshalDoc(tmpl)
	if err != nil {
		return nil, err
	}
	if err := m.store.Write(ctx, livePath, doc, docstore.AnyVersion); err != nil {
		return nil, fmt.Errorf("state: restore world %q: %w", livePath, err)
	}
	return tmpl, nil
}
