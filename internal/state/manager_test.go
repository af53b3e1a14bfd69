package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
)

const testTemplate = `{
  "locations": {
    "woander_store": {
      "name": "Woander Store",
      "areas": {
        "main_room": {
          "spots": {
            "spot_5": {
              "items": [
                {
                  "instance_id": "bottle_mystery",
                  "template_id": "dream_bottle",
                  "semantic_name": "mysterious bottle",
                  "visible": true,
                  "collectible": true
                }
              ]
            }
          }
        }
      }
    }
  },
  "npcs": {
    "louisa": {
      "template_id": "fairy",
      "location": "woander_store",
      "area": "main_room",
      "state": {"bottles_collected": 0, "quest_active": true}
    }
  },
  "global_state": {"dream_bottles_found": 0},
  "metadata": {"_version": 0}
}`

func testConfig(id, model string) string {
	multiplayer := model == experience.ModelShared
	return fmt.Sprintf(`{
  "id": %q,
  "name": "Test Experience",
  "version": "1.0",
  "state": {"model": %q, "locking_enabled": true, "optimistic_versioning": true, "lock_timeout_ms": 1000},
  "multiplayer": {"enabled": %t},
  "bootstrap": {
    "player_starting_location": "woander_store/main_room/spot_5",
    "player_starting_inventory": [],
    "copy_template_for_isolated": true
  }
}`, id, model, multiplayer)
}

func newTestManager(t *testing.T, id, model string) *Manager {
	t.Helper()
	content := t.TempDir()
	dir := filepath.Join(content, "experiences", id)
	if err := os.MkdirAll(filepath.Join(dir, "state"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(testConfig(id, model)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state", "world.json"), []byte(testTemplate), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store, experience.NewLoader(content))
}

func TestGetWorldStateServesTemplateWithoutWriting(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	w, err := m.GetWorldState(ctx, "woods", "")
	if err != nil {
		t.Fatalf("GetWorldState: %v", err)
	}
	if w.Metadata.Version != 0 {
		t.Errorf("template version = %d, want 0", w.Metadata.Version)
	}
	if _, ok := w.Locations["woander_store"]; !ok {
		t.Error("template location missing")
	}

	// No live document was created by the read.
	if _, _, err := m.store.Read(ctx, worldPath("woods")); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("live world exists after read-only access: %v", err)
	}
}

func TestUpdateWorldStateVersionsIncrease(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		w, err := m.UpdateWorldState(ctx, "woods", "", func(w *World) error {
			w.GlobalState["dream_bottles_found"] = i
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateWorldState #%d: %v", i, err)
		}
		if w.Metadata.Version != int64(i) {
			t.Errorf("version after mutation %d = %d, want %d", i, w.Metadata.Version, i)
		}
	}
}

func TestUpdateWorldStateMutatorFailureWritesNothing(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	boom := errors.New("precondition failed")
	_, err := m.UpdateWorldState(ctx, "woods", "", func(w *World) error {
		w.GlobalState["dream_bottles_found"] = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}

	w, err := m.GetWorldState(ctx, "woods", "")
	if err != nil {
		t.Fatalf("GetWorldState: %v", err)
	}
	if w.Metadata.Version != 0 {
		t.Errorf("version = %d after failed mutation, want 0", w.Metadata.Version)
	}
}

func TestGetPlayerViewNotInitialized(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)

	_, err := m.GetPlayerView(context.Background(), "woods", "alice")
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestEnsurePlayerInitializedShared(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	v, err := m.EnsurePlayerInitialized(ctx, "woods", "alice")
	if err != nil {
		t.Fatalf("EnsurePlayerInitialized: %v", err)
	}
	if v.Player.Location != "woander_store" || v.Player.Area != "main_room" || v.Player.Spot != "spot_5" {
		t.Errorf("start position = %+v", v.Player.Position)
	}
	if !v.Progress.HasVisited("woander_store") {
		t.Error("starting location not in visited set")
	}
	if v.Metadata.Version != 1 {
		t.Errorf("fresh view version = %d, want 1", v.Metadata.Version)
	}

	// Shared model bootstraps no private world.
	if _, _, err := m.store.Read(ctx, isolatedWorldPath("woods", "alice")); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("private world created for shared model: %v", err)
	}

	p, err := m.GetPlayerProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPlayerProfile: %v", err)
	}
	if len(p.GlobalStats.ExperiencesPlayed) != 1 || p.GlobalStats.ExperiencesPlayed[0] != "woods" {
		t.Errorf("experiences_played = %v", p.GlobalStats.ExperiencesPlayed)
	}
}

func TestEnsurePlayerInitializedIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	first, err := m.EnsurePlayerInitialized(ctx, "woods", "alice")
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	// Mutate the view so a second ensure would be observable if it recreated.
	if _, err := m.UpdatePlayerView(ctx, "woods", "alice", func(v *View) error {
		v.Session.TurnsTaken = 7
		return nil
	}); err != nil {
		t.Fatalf("UpdatePlayerView: %v", err)
	}

	second, err := m.EnsurePlayerInitialized(ctx, "woods", "alice")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Session.TurnsTaken != 7 {
		t.Errorf("second ensure reset the view: turns = %d, want 7", second.Session.TurnsTaken)
	}
	if second.Session.StartedAt != first.Session.StartedAt {
		t.Errorf("started_at changed across ensures")
	}
}

func TestEnsurePlayerInitializedIsolatedCopiesTemplate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "house", experience.ModelIsolated)
	ctx := context.Background()

	if _, err := m.EnsurePlayerInitialized(ctx, "house", "carol"); err != nil {
		t.Fatalf("init carol: %v", err)
	}
	if _, err := m.EnsurePlayerInitialized(ctx, "house", "dave"); err != nil {
		t.Fatalf("init dave: %v", err)
	}

	// Carol's mutations must not leak into Dave's world.
	if _, err := m.UpdateWorldState(ctx, "house", "carol", func(w *World) error {
		w.GlobalState["dream_bottles_found"] = 5
		return nil
	}); err != nil {
		t.Fatalf("mutate carol world: %v", err)
	}

	carol, err := m.GetWorldState(ctx, "house", "carol")
	if err != nil {
		t.Fatalf("carol world: %v", err)
	}
	dave, err := m.GetWorldState(ctx, "house", "dave")
	if err != nil {
		t.Fatalf("dave world: %v", err)
	}
	if carol.GlobalState["dream_bottles_found"].(float64) != 5 {
		t.Errorf("carol counter = %v, want 5", carol.GlobalState["dream_bottles_found"])
	}
	if dave.GlobalState["dream_bottles_found"].(float64) != 0 {
		t.Errorf("dave counter = %v, want 0", dave.GlobalState["dream_bottles_found"])
	}
}

func TestIsolatedWorldRequiresPlayer(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "house", experience.ModelIsolated)

	_, err := m.GetWorldState(context.Background(), "house", "")
	if err == nil {
		t.Fatal("expected error for isolated world without player id")
	}
}

func TestSetCurrentExperience(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	if _, err := m.SetCurrentExperience(ctx, "alice", "missing"); !errors.Is(err, experience.ErrNotFound) {
		t.Fatalf("unknown experience: expected ErrNotFound, got %v", err)
	}

	p, err := m.SetCurrentExperience(ctx, "alice", "woods")
	if err != nil {
		t.Fatalf("SetCurrentExperience: %v", err)
	}
	if p.CurrentExperience != "woods" {
		t.Errorf("current = %q", p.CurrentExperience)
	}

	cur, err := m.GetCurrentExperience(ctx, "alice")
	if err != nil || cur != "woods" {
		t.Errorf("GetCurrentExperience = %q, %v", cur, err)
	}
}

func TestResetPreviewAndConfirm(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, "woods", experience.ModelShared)
	ctx := context.Background()

	for _, player := range []string{"alice", "bob"} {
		if _, err := m.EnsurePlayerInitialized(ctx, "woods", player); err != nil {
			t.Fatalf("init %s: %v", player, err)
		}
	}
	if _, err := m.SetCurrentExperience(ctx, "alice", "woods"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateWorldState(ctx, "woods", "", func(w *World) error {
		w.GlobalState["dream_bottles_found"] = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	preview, err := m.ResetExperience(ctx, "woods", true)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !preview.Preview || preview.ViewCount != 2 || preview.WorldVersion != 1 {
		t.Errorf("preview = %+v", preview)
	}
	// Preview changes nothing.
	if _, err := m.GetPlayerView(ctx, "woods", "alice"); err != nil {
		t.Errorf("view deleted by preview: %v", err)
	}

	summary, err := m.ResetExperience(ctx, "woods", false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if summary.NewVersion != 2 {
		t.Errorf("post-reset version = %d, want 2", summary.NewVersion)
	}
	if summary.World == nil {
		t.Fatal("restored world missing from summary")
	}

	// Views gone, world restored to template content, backup readable.
	if _, err := m.GetPlayerView(ctx, "woods", "alice"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("alice view survives reset: %v", err)
	}
	w, err := m.GetWorldState(ctx, "woods", "")
	if err != nil {
		t.Fatalf("world after reset: %v", err)
	}
	if w.GlobalState["dream_bottles_found"].(float64) != 0 {
		t.Errorf("world not restored: counter = %v", w.GlobalState["dream_bottles_found"])
	}
	if _, _, err := m.store.Read(ctx, summary.BackupPath); err != nil {
		t.Errorf("backup not readable: %v", err)
	}

	// Profile survives reset, current_experience untouched.
	p, err := m.GetPlayerProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentExperience != "woods" {
		t.Errorf("current_experience after reset = %q, want woods", p.CurrentExperience)
	}
	if len(p.GlobalStats.ExperiencesPlayed) != 1 {
		t.Errorf("experiences_played scrubbed by reset: %v", p.GlobalStats.ExperiencesPlayed)
	}
}

func TestParsePosition(t *testing.T) {
	t.Parallel()

	pos, err := ParsePosition("store/main/spot_1")
	if err != nil {
		t.Fatalf("ParsePosition: %v", err)
	}
	if pos.Location != "store" || pos.Area != "main" || pos.Spot != "spot_1" {
		t.Errorf("pos = %+v", pos)
	}

	pos, err = ParsePosition("store/main")
	if err != nil || pos.Spot != "" {
		t.Errorf("two-segment: %+v, %v", pos, err)
	}

	if _, err := ParsePosition("store"); err == nil {
		t.Error("single segment accepted")
	}
}
