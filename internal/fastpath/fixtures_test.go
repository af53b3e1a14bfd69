package fastpath

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

const testTemplate = `{
  "locations": {
    "woander_store": {
      "name": "Woander Store",
      "description": "A cluttered shop full of softly glowing jars.",
      "exits": ["forest_edge"],
      "areas": {
        "main_room": {
          "description": "The main room of the store.",
          "spots": {
            "spot_5": {
              "description": "A dusty shelf near the window.",
              "items": [
                {"instance_id": "bottle_mystery", "template_id": "dream_bottle", "semantic_name": "mysterious bottle", "visible": true, "collectible": true},
                {"instance_id": "bottle_energy", "template_id": "dream_bottle", "semantic_name": "crackling bottle", "visible": true, "collectible": true},
                {"instance_id": "bottle_joy", "template_id": "dream_bottle", "semantic_name": "sparkling bottle", "visible": true, "collectible": true},
                {"instance_id": "bottle_nature", "template_id": "dream_bottle", "semantic_name": "leafy bottle", "visible": true, "collectible": true},
                {"instance_id": "healing_potion_1", "template_id": "healing_potion", "semantic_name": "healing potion", "visible": true, "collectible": true, "consumable": true, "effects": {"restore_health": 30}},
                {"instance_id": "hidden_gem", "template_id": "gem", "semantic_name": "hidden gem", "visible": false, "collectible": true},
                {"instance_id": "stone_statue", "template_id": "statue", "semantic_name": "stone statue", "description": "A weathered statue of a fox.", "visible": true, "collectible": false}
              ]
            }
          }
        },
        "fairy_door_main": {
          "description": "A tiny painted door at the skirting board."
        }
      }
    },
    "forest_edge": {
      "name": "Forest Edge",
      "description": "Trees loom at the edge of town.",
      "areas": {
        "main": {"description": "A quiet clearing."}
      }
    },
    "hidden_grove": {
      "areas": {
        "main": {"description": "A grove nobody should reach directly."}
      }
    }
  },
  "npcs": {
    "louisa": {
      "template_id": "fairy",
      "name": "Louisa",
      "location": "woander_store",
      "area": "fairy_door_main",
      "gift_rules": [
        {
          "accepts": ["dream_bottle"],
          "counter": "bottles_collected",
          "threshold": 4,
          "on_accept": {"dialogue": "Louisa beams at the bottle.", "increment_global": "dream_bottles_found"},
          "on_complete": {"dialogue": "All four! The dream is whole again.", "set_state": {"quest_active": false}, "quest_id": "dream_bottles"}
        }
      ],
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
  "state": {"model": %q, "locking_enabled": true, "optimistic_versioning": true, "lock_timeout_ms": 2000},
  "multiplayer": {"enabled": %t},
  "bootstrap": {
    "player_starting_location": "woander_store/main_room/spot_5",
    "player_starting_inventory": [],
    "copy_template_for_isolated": true
  }
}`, id, model, multiplayer)
}

// newTestEngine builds an engine over a fresh shared-model experience and
// initializes the given players at the starting spot.
func newTestEngine(t *testing.T, players ...string) (*Engine, *state.Manager) {
	t.Helper()
	content := t.TempDir()
	dir := filepath.Join(content, "experiences", "woods")
	if err := os.MkdirAll(filepath.Join(dir, "state"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(testConfig("woods", experience.ModelShared)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state", "world.json"), []byte(testTemplate), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := state.NewManager(store, experience.NewLoader(content))
	for _, p := range players {
		if _, err := m.EnsurePlayerInitialized(context.Background(), "woods", p); err != nil {
			t.Fatalf("init %s: %v", p, err)
		}
	}
	return NewEngine(m), m
}

func playerReq(player, actionName string, args map[string]any) *Request {
	return &Request{Experience: "woods", PlayerID: player, Action: actionName, Args: args}
}

func mustSucceed(t *testing.T, res *Result, err error) *Result {
	t.Helper()
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.Success {
		t.Fatalf("handler failed: code=%s message=%q", res.Code, res.Message)
	}
	return res
}
