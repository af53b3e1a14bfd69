package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/command"
	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/mdrunner"
	"github.com/Aeonia-ai/gaia-world/internal/state"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm/mock"
)

const testConfigJSON = `{
  "id": "square",
  "name": "Fountain Square",
  "version": "1.0",
  "state": {"model": "shared", "locking_enabled": true, "optimistic_versioning": true},
  "multiplayer": {"enabled": true},
  "bootstrap": {"player_starting_location": "fountain_square/plaza"}
}`

const testTemplate = `{
  "locations": {
    "fountain_square": {
      "name": "Fountain Square",
      "description": "A mossy fountain murmurs in the middle of the square.",
      "areas": {
        "plaza": {
          "description": "Cobblestones around the fountain.",
          "items": [
            {
              "instance_id": "bottle_1",
              "template_id": "dream_bottle",
              "semantic_name": "dream bottle",
              "visible": true,
              "collectible": true
            }
          ]
        }
      }
    }
  },
  "npcs": {
    "louisa": {
      "template_id": "fairy",
      "name": "Louisa",
      "location": "fountain_square",
      "area": "plaza"
    }
  },
  "global_state": {},
  "metadata": {"_version": 0}
}`

const inspectMD = `---
command: wish
aliases: ["make a wish", "inspect"]
description: Wish upon the fountain.
---
Narrate the player's wish. Never change state unless the rules above say so.
`

// testRuntime is the fully wired stack over temp dirs and a mock LLM.
type testRuntime struct {
	states     *state.Manager
	dispatcher *Dispatcher
	bus        *broadcast.Broadcaster
	provider   *mock.Provider
}

func newTestRuntime(t *testing.T) *testRuntime {
	t.Helper()
	content := t.TempDir()
	dir := filepath.Join(content, "experiences", "square")
	for _, sub := range []string{"state", "game-logic"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for rel, data := range map[string]string{
		"config.json":        testConfigJSON,
		"state/world.json":   testTemplate,
		"game-logic/wish.md": inspectMD,
	} {
		if err := os.WriteFile(filepath.Join(dir, rel), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	loader := experience.NewLoader(content)
	states := state.NewManager(store, loader)
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"success": true, "narrative": "Your wish rises with the spray."}`,
	}}
	bus := broadcast.New()
	dispatcher := NewDispatcher(
		states,
		fastpath.NewEngine(states),
		mdrunner.NewRunner(states, provider, false),
		command.NewRegistry(loader),
		bus,
	)
	return &testRuntime{states: states, dispatcher: dispatcher, bus: bus, provider: provider}
}

func (rt *testRuntime) dispatch(t *testing.T, message string, admin bool) *fastpath.Result {
	t.Helper()
	res, err := rt.dispatcher.Dispatch(context.Background(), &DispatchRequest{
		Experience: "square",
		PlayerID:   "alice",
		Admin:      admin,
		Message:    message,
	})
	if err != nil {
		t.Fatalf("Dispatch(%q): %v", message, err)
	}
	return res
}
