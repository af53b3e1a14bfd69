package fastpath

import (
	"context"
	"fmt"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// hookResult is the outcome of evaluating an NPC's gift rules for one item.
type hookResult struct {
	Accepted     bool           `json:"accepted"`
	Dialogue     string         `json:"dialogue,omitempty"`
	QuestUpdates map[string]any `json:"quest_updates,omitempty"`
	Counter      string         `json:"counter,omitempty"`
	CounterValue float64        `json:"counter_value,omitempty"`
}

// giveItem hands an inventory item to an NPC at the player's location and
// evaluates the NPC's declarative gift rules inside the world mutation, so
// counters and thresholds are race-safe under the normal version discipline.
func (e *Engine) giveItem(ctx context.Context, req *Request) (*Result, error) {
	instanceID := req.arg("instance_id")
	npcID := req.arg("target_npc_id")
	if instanceID == "" || npcID == "" {
		return fail(action.CodeMalformedInput, "give_item requires instance_id and target_npc_id"), nil
	}

	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}
	idx := view.Player.FindInventoryItem(instanceID)
	if idx < 0 {
		return fail(action.CodeNotInInventory, "you are not carrying %s", instanceID), nil
	}
	given := view.Player.Inventory[idx]
	worldPlayer, err := e.worldPlayerID(req)
	if err != nil {
		return nil, err
	}

	var hook hookResult
	var changes []state.Change
	w, err := e.states.UpdateWorldState(ctx, req.Experience, worldPlayer, func(w *state.World) error {
		changes = changes[:0]
		hook = hookResult{}

		npc, ok := w.NPCs[npcID]
		if !ok {
			return action.Fail(action.CodeNpcNotFound, "there is no one called %s", npcID)
		}
		if npc.Location != view.Player.Location || npc.Area != view.Player.Area {
			return action.Fail(action.CodeNotAtNpc, "%s is not here", npcName(npcID, npc))
		}

		hook, changes = evaluateGiftRules(w, npcID, &npc, given)
		w.NPCs[npcID] = npc
		return nil
	})
	if err != nil {
		return translate(err)
	}

	v, err := e.states.UpdatePlayerView(ctx, req.Experience, req.PlayerID, func(v *state.View) error {
		i := v.Player.FindInventoryItem(instanceID)
		if i < 0 {
			return action.Fail(action.CodeNotInInventory, "you are not carrying %s", instanceID)
		}
		v.Player.RemoveInventoryItem(i)
		v.Session.TurnsTaken++
		if qid, ok := hook.QuestUpdates["quest_id"].(string); ok && qid != "" {
			if v.Progress.QuestStates == nil {
				v.Progress.QuestStates = map[string]map[string]any{}
			}
			qs := v.Progress.QuestStates[qid]
			if qs == nil {
				qs = map[string]any{}
			}
			for k, val := range hook.QuestUpdates {
				if k != "quest_id" {
					qs[k] = val
				}
			}
			v.Progress.QuestStates[qid] = qs
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}

	msg := hook.Dialogue
	if msg == "" {
		msg = fmt.Sprintf("You give the %s to %s.", displayName(given), npcID)
	}
	return &Result{
		Success: true,
		Message: msg,
		Metadata: map[string]any{
			"instance_id": given.InstanceID,
			"npc":         npcID,
			"hook_result": hookResultMeta(hook),
		},
		WorldChanges: changes,
		WorldVersion: w.Metadata.Version,
		ViewChanges: []state.Change{
			{Op: state.OpRemove, Path: "player.inventory", ItemID: instanceID},
		},
		ViewVersion: v.Metadata.Version,
	}, nil
}

func npcName(id string, npc state.NPC) string {
	if npc.Name != "" {
		return npc.Name
	}
	return id
}

// evaluateGiftRules applies the first rule accepting the item's template:
// counter increment, accept effects, and threshold completion effects. The
// rule table is pure data from the NPC template; no LLM is involved.
func evaluateGiftRules(w *state.World, npcID string, npc *state.NPC, given state.Item) (hookResult, []state.Change) {
	var hook hookResult
	var changes []state.Change

	for _, rule := range npc.GiftRules {
		if !connects(rule.Accepts, given.TemplateID) {
			continue
		}
		hook.Accepted = true
		if npc.State == nil {
			npc.State = map[string]any{}
		}

		var count float64
		if rule.Counter != "" {
			count, _ = asNumber(npc.State[rule.Counter])
			count++
			npc.State[rule.Counter] = count
			hook.Counter = rule.Counter
			hook.CounterValue = count
			changes = append(changes, state.Change{
				Op: state.OpSet, Path: fmt.Sprintf("npcs.%s.state.%s", npcID, rule.Counter), Value: count,
			})
		}

		if rule.OnAccept != nil {
			changes = append(changes, applyGiftEffect(w, npcID, npc, rule.OnAccept, &hook)...)
		}
		if rule.Threshold > 0 && int(count) >= rule.Threshold && rule.OnComplete != nil {
			changes = append(changes, applyGiftEffect(w, npcID, npc, rule.OnComplete, &hook)...)
			if hook.QuestUpdates == nil {
				hook.QuestUpdates = map[string]any{}
			}
			hook.QuestUpdates["quest_complete"] = true
			if rule.OnComplete.QuestID != "" {
				hook.QuestUpdates["quest_id"] = rule.OnComplete.QuestID
			}
		}
		break
	}
	return hook, changes
}

// applyGiftEffect mutates NPC state and global state per one effect block.
func applyGiftEffect(w *state.World, npcID string, npc *state.NPC, eff *state.GiftEffect, hook *hookResult) []state.Change {
	var changes []state.Change

	if eff.Dialogue != "" {
		hook.Dialogue = eff.Dialogue
	}
	for k, v := range eff.SetState {
		npc.State[k] = v
		changes = append(changes, state.Change{
			Op: state.OpSet, Path: fmt.Sprintf("npcs.%s.state.%s", npcID, k), Value: v,
		})
	}
	if eff.IncrementGlobal != "" {
		if w.GlobalState == nil {
			w.GlobalState = map[string]any{}
		}
		n, _ := asNumber(w.GlobalState[eff.IncrementGlobal])
		n++
		w.GlobalState[eff.IncrementGlobal] = n
		changes = append(changes, state.Change{
			Op: state.OpSet, Path: "global_state." + eff.IncrementGlobal, Value: n,
		})
	}
	return changes
}

func hookResultMeta(hook hookResult) map[string]any {
	meta := map[string]any{"accepted": hook.Accepted}
	if hook.Dialogue != "" {
		meta["dialogue"] = hook.Dialogue
	}
	if hook.Counter != "" {
		meta[hook.Counter] = hook.CounterValue
	}
	if hook.QuestUpdates != nil {
		meta["quest_updates"] = hook.QuestUpdates
	}
	return meta
}
