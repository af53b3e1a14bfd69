package fastpath

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// itemsPath returns the world tree path of the item list holding ref.
func itemsPath(ref state.ItemRef) string {
	if ref.Spot == "" {
		return fmt.Sprintf("locations.%s.areas.%s.items", ref.Location, ref.Area)
	}
	return fmt.Sprintf("locations.%s.areas.%s.spots.%s.items", ref.Location, ref.Area, ref.Spot)
}

// positionItemsPath returns the world tree path items land in when dropped
// at pos.
func positionItemsPath(w *state.World, pos state.Position) string {
	if pos.Spot != "" && w.SpotAt(pos) != nil {
		return fmt.Sprintf("locations.%s.areas.%s.spots.%s.items", pos.Location, pos.Area, pos.Spot)
	}
	return fmt.Sprintf("locations.%s.areas.%s.items", pos.Location, pos.Area)
}

func (e *Engine) collectItem(ctx context.Context, req *Request) (*Result, error) {
	instanceID := req.arg("instance_id")
	if instanceID == "" {
		return fail(action.CodeMalformedInput, "collect_item requires instance_id"), nil
	}

	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}
	worldPlayer, err := e.worldPlayerID(req)
	if err != nil {
		return nil, err
	}

	// The mutator re-runs on a version conflict, so the race outcome is
	// decided against the freshest world: the loser sees the item gone and
	// reports AlreadyCollected without writing.
	var collected state.Item
	var changes []state.Change
	w, err := e.states.UpdateWorldState(ctx, req.Experience, worldPlayer, func(w *state.World) error {
		changes = changes[:0]
		ref, found := w.FindItem(instanceID)
		if !found {
			return e.missingItemFailure(req, view, instanceID)
		}
		if !ref.Item.Visible && !req.Admin {
			return action.Fail(action.CodeNotFound, "there is no %s here", instanceID)
		}
		if !ref.AtPosition(view.Player.Position) {
			return action.Fail(action.CodeNotAtLocation, "the %s is not at your location", ref.Item.SemanticName)
		}
		if !ref.Item.Collectible {
			return action.Fail(action.CodeNotCollectible, "the %s cannot be picked up", ref.Item.SemanticName)
		}
		collected = w.RemoveItem(ref)
		changes = append(changes, state.Change{Op: state.OpRemove, Path: itemsPath(ref), ItemID: instanceID})
		return nil
	})
	if err != nil {
		return translate(err)
	}

	v, err := e.states.UpdatePlayerView(ctx, req.Experience, req.PlayerID, func(v *state.View) error {
		// The full item rides along so use and examine keep working after
		// the item left the world.
		v.Player.Inventory = append(v.Player.Inventory, collected)
		v.Session.TurnsTaken++
		return nil
	})
	if err != nil {
		return translate(err)
	}

	name := collected.SemanticName
	if name == "" {
		name = collected.InstanceID
	}
	return &Result{
		Success:      true,
		Message:      fmt.Sprintf("You pick up the %s.", name),
		Metadata:     map[string]any{"instance_id": collected.InstanceID, "template_id": collected.TemplateID},
		WorldChanges: changes,
		WorldVersion: w.Metadata.Version,
		ViewChanges: []state.Change{
			{Op: state.OpAppend, Path: "player.inventory", Item: inventoryEntry(collected)},
		},
		ViewVersion: v.Metadata.Version,
	}, nil
}

// missingItemFailure picks the failure for a collect on an instance id that
// is not in the world. An id the player already carries, or one the authored
// template placed, was collected by somebody and fails as AlreadyCollected.
// An id with no trace anywhere never existed and fails as NotFound.
func (e *Engine) missingItemFailure(req *Request, view *state.View, instanceID string) error {
	if view.Player.FindInventoryItem(instanceID) >= 0 {
		return action.Fail(action.CodeAlreadyCollected, "you are already carrying the %s", instanceID)
	}
	if tmpl, err := e.states.TemplateWorld(req.Experience); err == nil {
		if _, placed := tmpl.FindItem(instanceID); placed {
			return action.Fail(action.CodeAlreadyCollected, "the %s is no longer here", instanceID)
		}
	}
	return action.Fail(action.CodeNotFound, "there is no %s here", instanceID)
}

// inventoryEntry is the tree form of an inventory item for view changes.
func inventoryEntry(it state.Item) map[string]any {
	return map[string]any{
		"instance_id":   it.InstanceID,
		"template_id":   it.TemplateID,
		"semantic_name": it.SemanticName,
	}
}

func (e *Engine) dropItem(ctx context.Context, req *Request) (*Result, error) {
	instanceID := req.arg("instance_id")
	if instanceID == "" {
		return fail(action.CodeMalformedInput, "drop_item requires instance_id"), nil
	}

	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}
	idx := view.Player.FindInventoryItem(instanceID)
	if idx < 0 {
		return fail(action.CodeNotInInventory, "you are not carrying %s", instanceID), nil
	}
	dropped := view.Player.Inventory[idx]
	worldPlayer, err := e.worldPlayerID(req)
	if err != nil {
		return nil, err
	}

	var dropPath string
	w, err := e.states.UpdateWorldState(ctx, req.Experience, worldPlayer, func(w *state.World) error {
		if w.AreaAt(view.Player.Position) == nil {
			return action.Fail(action.CodeNotAtLocation, "you are nowhere to drop anything")
		}
		dropPath = positionItemsPath(w, view.Player.Position)
		w.AddItem(view.Player.Position, dropped)
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
		return nil
	})
	if err != nil {
		return translate(err)
	}

	name := dropped.SemanticName
	if name == "" {
		name = dropped.InstanceID
	}
	itemTree, terr := state.ToTree(dropped)
	if terr != nil {
		return nil, terr
	}
	return &Result{
		Success:  true,
		Message:  fmt.Sprintf("You drop the %s.", name),
		Metadata: map[string]any{"instance_id": dropped.InstanceID},
		WorldChanges: []state.Change{
			{Op: state.OpAppend, Path: dropPath, Item: itemTree},
		},
		WorldVersion: w.Metadata.Version,
		ViewChanges: []state.Change{
			{Op: state.OpRemove, Path: "player.inventory", ItemID: instanceID},
		},
		ViewVersion: v.Metadata.Version,
	}, nil
}

// defaultMaxHealth caps restore_health when stats carry no max_health.
const defaultMaxHealth = 100

func (e *Engine) useItem(ctx context.Context, req *Request) (*Result, error) {
	instanceID := req.arg("instance_id")
	if instanceID == "" {
		return fail(action.CodeMalformedInput, "use_item requires instance_id"), nil
	}

	var used state.Item
	var viewChanges []state.Change
	v, err := e.states.UpdatePlayerView(ctx, req.Experience, req.PlayerID, func(v *state.View) error {
		viewChanges = viewChanges[:0]
		idx := v.Player.FindInventoryItem(instanceID)
		if idx < 0 {
			return action.Fail(action.CodeNotInInventory, "you are not carrying %s", instanceID)
		}
		it := v.Player.Inventory[idx]
		if len(it.Effects) == 0 {
			return action.Fail(action.CodeNotUsable, "the %s has no apparent use", displayName(it))
		}

		changes, err := applyEffects(v, it.Effects)
		if err != nil {
			return err
		}
		viewChanges = append(viewChanges, changes...)

		if it.Consumable {
			v.Player.RemoveInventoryItem(idx)
			viewChanges = append(viewChanges, state.Change{
				Op: state.OpRemove, Path: "player.inventory", ItemID: instanceID,
			})
		}
		v.Session.TurnsTaken++
		used = it
		return nil
	})
	if err != nil {
		return translate(err)
	}

	return &Result{
		Success:     true,
		Message:     fmt.Sprintf("You use the %s.", displayName(used)),
		Metadata:    map[string]any{"instance_id": used.InstanceID, "consumed": used.Consumable},
		ViewChanges: viewChanges,
		ViewVersion: v.Metadata.Version,
	}, nil
}

// applyEffects evaluates an item's declared effects against the view,
// returning the view changes applied.
func applyEffects(v *state.View, effects map[string]any) ([]state.Change, error) {
	var changes []state.Change
	if v.Player.Stats == nil {
		v.Player.Stats = map[string]any{}
	}

	for key, val := range effects {
		switch key {
		case "restore_health":
			amount, ok := asNumber(val)
			if !ok {
				return nil, action.Fail(action.CodeNotUsable, "restore_health effect is malformed")
			}
			health, _ := asNumber(v.Player.Stats["health"])
			max, ok := asNumber(v.Player.Stats["max_health"])
			if !ok {
				max = defaultMaxHealth
			}
			next := health + amount
			if next > max {
				next = max
			}
			v.Player.Stats["health"] = next
			changes = append(changes, state.Change{Op: state.OpSet, Path: "player.stats.health", Value: next})

		case "apply_status":
			obj, ok := val.(map[string]any)
			if !ok {
				return nil, action.Fail(action.CodeNotUsable, "apply_status effect is malformed")
			}
			name, _ := obj["name"].(string)
			if name == "" {
				return nil, action.Fail(action.CodeNotUsable, "apply_status effect has no name")
			}
			status, _ := v.Player.Stats["status"].(map[string]any)
			if status == nil {
				status = map[string]any{}
			}
			status[name] = obj["duration"]
			v.Player.Stats["status"] = status
			changes = append(changes, state.Change{Op: state.OpSet, Path: "player.stats.status." + name, Value: obj["duration"]})

		case "set":
			obj, ok := val.(map[string]any)
			if !ok {
				return nil, action.Fail(action.CodeNotUsable, "set effect is malformed")
			}
			path, _ := obj["path"].(string)
			ch := state.Change{Op: state.OpSet, Path: path, Value: obj["value"]}
			if err := applyViewChange(v, ch); err != nil {
				return nil, err
			}
			changes = append(changes, ch)

		case "unset":
			obj, ok := val.(map[string]any)
			if !ok {
				return nil, action.Fail(action.CodeNotUsable, "unset effect is malformed")
			}
			path, _ := obj["path"].(string)
			ch := state.Change{Op: state.OpRemove, Path: path}
			if err := applyViewChange(v, ch); err != nil {
				return nil, err
			}
			changes = append(changes, ch)

		default:
			// Unknown effect keys are carried in content for forward
			// compatibility and ignored here.
		}
	}
	return changes, nil
}

// applyViewChange routes a path change through the patch engine and back
// into the typed view.
func applyViewChange(v *state.View, ch state.Change) error {
	tree, err := state.ToTree(v)
	if err != nil {
		return err
	}
	if err := state.Apply(tree, ch); err != nil {
		return action.Fail(action.CodeNotUsable, "effect %s %q is invalid", ch.Op, ch.Path)
	}
	return state.FromTree(tree, v)
}

func displayName(it state.Item) string {
	if it.SemanticName != "" {
		return it.SemanticName
	}
	return it.InstanceID
}

func (e *Engine) examine(ctx context.Context, req *Request) (*Result, error) {
	instanceID := req.arg("instance_id")
	if instanceID == "" {
		return fail(action.CodeMalformedInput, "examine requires instance_id"), nil
	}

	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}

	var item *state.Item
	if idx := view.Player.FindInventoryItem(instanceID); idx >= 0 {
		item = &view.Player.Inventory[idx]
	} else {
		w, err := e.states.GetWorldState(ctx, req.Experience, req.PlayerID)
		if err != nil {
			return translate(err)
		}
		for _, it := range w.AreaItems(view.Player.Position) {
			if it.InstanceID == instanceID && (it.Visible || req.Admin) {
				item = &it
				break
			}
		}
	}
	if item == nil {
		return fail(action.CodeNotFound, "you see no %s here", instanceID), nil
	}

	desc := item.Description
	if desc == "" {
		desc = fmt.Sprintf("An unremarkable %s.", displayName(*item))
	}
	return &Result{
		Success: true,
		Message: desc,
		Metadata: map[string]any{
			"instance_id": item.InstanceID,
			"template_id": item.TemplateID,
			"collectible": item.Collectible,
			"consumable":  item.Consumable,
			"effects":     item.Effects,
		},
	}, nil
}

func (e *Engine) inventory(ctx context.Context, req *Request) (*Result, error) {
	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}

	type group struct {
		Name    string         `json:"name"`
		Count   int            `json:"count"`
		Effects map[string]any `json:"effects,omitempty"`
	}
	groups := map[string]*group{}
	for _, it := range view.Player.Inventory {
		g, ok := groups[it.TemplateID]
		if !ok {
			g = &group{Name: displayName(it), Effects: it.Effects}
			groups[it.TemplateID] = g
		}
		g.Count++
	}

	if len(groups) == 0 {
		return &Result{
			Success:  true,
			Message:  "You are carrying nothing.",
			Metadata: map[string]any{"items": map[string]any{}},
		}, nil
	}

	templates := make([]string, 0, len(groups))
	for t := range groups {
		templates = append(templates, t)
	}
	sort.Strings(templates)

	var lines []string
	meta := map[string]any{}
	for _, t := range templates {
		g := groups[t]
		if g.Count == 1 {
			lines = append(lines, g.Name)
		} else {
			lines = append(lines, fmt.Sprintf("%s (x%d)", g.Name, g.Count))
		}
		meta[t] = g
	}
	return &Result{
		Success:  true,
		Message:  "You are carrying: " + strings.Join(lines, ", ") + ".",
		Metadata: map[string]any{"items": meta},
	}, nil
}

// asNumber widens any JSON numeric representation to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
