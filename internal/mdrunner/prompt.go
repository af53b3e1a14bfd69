package mdrunner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// prompt is the assembled pair for one LLM call.
type prompt struct {
	system string
	user   string
}

// responseContract tells the model the exact JSON shape the structural pass
// must return.
const responseContract = `Respond with a single JSON object and nothing else:
{
  "success": bool,
  "narrative": "text shown to the player",
  "state_updates": [
    {"path": "dot.separated.path", "operation": "set", "value": ...},
    {"path": "dot.separated.path", "operation": "append", "item": {...}},
    {"path": "dot.separated.path", "operation": "remove", "item_id": "..."}
  ],
  "available_actions": ["..."],
  "metadata": {}
}
Rules:
- state_updates may be empty or null when nothing changes.
- Paths starting with "player.", "progress.", "session." or "relationships."
  address the player's private view; all other paths address the world.
- Never touch "metadata", "_version", "instance_id" or "template_id".
- On a precondition failure set success=false and explain in narrative.`

// buildPrompt assembles the structural-pass prompt: the command's rule body
// as the system prompt, and the player's surroundings plus their raw message
// as the user turn.
func buildPrompt(req *RunRequest, world *state.World, view *state.View) (prompt, error) {
	contextDoc, err := buildContext(world, view)
	if err != nil {
		return prompt{}, err
	}

	var sys strings.Builder
	sys.WriteString("You are the game logic engine for the command \"")
	sys.WriteString(req.Record.Command)
	sys.WriteString("\".\n\n")
	sys.WriteString(req.Record.Body)
	sys.WriteString("\n\n")
	sys.WriteString(responseContract)

	var user strings.Builder
	user.WriteString("Current state:\n")
	user.WriteString(contextDoc)
	user.WriteString("\n\nPlayer says: ")
	user.WriteString(req.Message)

	return prompt{system: sys.String(), user: user.String()}, nil
}

// buildContext serialises the world subtree relevant to the player: the
// current location with its areas and spots, the NPCs in it, global state,
// and the player's view. The full world never goes into a prompt.
func buildContext(world *state.World, view *state.View) (string, error) {
	pos := view.Player.Position

	subtree := map[string]any{}
	if loc, ok := world.Locations[pos.Location]; ok {
		subtree["current_location"] = map[string]any{
			"id":          pos.Location,
			"name":        loc.Name,
			"description": loc.Description,
			"areas":       loc.Areas,
			"exits":       loc.Exits,
		}
	}

	npcs := map[string]state.NPC{}
	for id, npc := range world.NPCs {
		if npc.Location == pos.Location {
			npcs[id] = npc
		}
	}

	doc := map[string]any{
		"world":        subtree,
		"npcs_here":    npcs,
		"global_state": world.GlobalState,
		"player": map[string]any{
			"position":  pos,
			"inventory": view.Player.Inventory,
			"stats":     view.Player.Stats,
		},
		"progress": view.Progress,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("mdrunner: build context: %w", err)
	}
	return string(data), nil
}

// narrativePrompt asks for a re-voicing of already-decided narrative. The
// model may not change facts, only prose.
func narrativePrompt(req *RunRequest, narrative string) prompt {
	return prompt{
		system: "You are the narrator of a location-based adventure. Rewrite the " +
			"given outcome as vivid second-person prose, two sentences at most. " +
			"Do not add events, items, or directions that are not in the outcome. " +
			"Respond with prose only, no JSON.",
		user: fmt.Sprintf("Command: %s\nPlayer said: %s\nOutcome: %s",
			req.Record.Command, req.Message, narrative),
	}
}
