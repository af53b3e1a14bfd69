package fastpath

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// Admin invocation names.
const (
	AdminEdit    = "@edit"
	AdminExamine = "@examine"
	AdminWhere   = "@where"
	AdminReset   = "@reset"
)

// IsAdminAction reports whether the invocation text is an admin command.
func IsAdminAction(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "@")
}

// HandleAdmin parses and executes one admin invocation. The session's admin
// flag is checked here regardless of which command was named.
func (e *Engine) HandleAdmin(ctx context.Context, req *Request, text string) (*Result, error) {
	if !req.Admin {
		return fail(action.CodePermissionDenied, "admin commands require an admin session"), nil
	}

	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return fail(action.CodeMalformedInput, "empty admin command"), nil
	}

	switch fields[0] {
	case AdminEdit:
		return e.adminEdit(ctx, req, fields[1:])
	case AdminExamine:
		return e.adminExamine(ctx, req, fields[1:])
	case AdminWhere:
		return e.adminWhere(ctx, req)
	case AdminReset:
		return e.adminReset(ctx, req, fields[1:])
	default:
		return fail(action.CodeUnknownCommand, "unknown admin command %q", fields[0]), nil
	}
}

// parseValue infers the type of an @edit value: bool, int, float, quoted
// string, bareword string.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// adminEdit sets one property inside a world object:
// @edit <object_type> <object_id> <path> <value>.
func (e *Engine) adminEdit(ctx context.Context, req *Request, args []string) (*Result, error) {
	if len(args) < 4 {
		return fail(action.CodeMalformedInput, "usage: @edit <object_type> <object_id> <path> <value>"), nil
	}
	objType, objID, path := args[0], args[1], args[2]
	value := parseValue(strings.Join(args[3:], " "))

	worldPlayer, err := e.worldPlayerID(req)
	if err != nil {
		return nil, err
	}

	var changes []state.Change
	w, err := e.states.UpdateWorldState(ctx, req.Experience, worldPlayer, func(w *state.World) error {
		changes = changes[:0]
		switch objType {
		case "item":
			ref, found := w.FindItem(objID)
			if !found {
				return action.Fail(action.CodeNotFound, "no item %q in the world", objID)
			}
			edited, err := editTree(ref.Item, path, value)
			if err != nil {
				return err
			}
			var item state.Item
			if err := state.FromTree(edited, &item); err != nil {
				return err
			}
			w.SetItem(ref, item)
			changes = append(changes, state.Change{
				Op: state.OpSet, Path: fmt.Sprintf("%s.%d.%s", itemsPath(ref), ref.Index, path), Value: value,
			})
			return nil

		case "npc":
			npc, ok := w.NPCs[objID]
			if !ok {
				return action.Fail(action.CodeNotFound, "no npc %q in the world", objID)
			}
			edited, err := editTree(npc, path, value)
			if err != nil {
				return err
			}
			var out state.NPC
			if err := state.FromTree(edited, &out); err != nil {
				return err
			}
			w.NPCs[objID] = out
			changes = append(changes, state.Change{
				Op: state.OpSet, Path: fmt.Sprintf("npcs.%s.%s", objID, path), Value: value,
			})
			return nil

		default:
			return action.Fail(action.CodeMalformedInput, "unknown object type %q, want item or npc", objType)
		}
	})
	if err != nil {
		return translate(err)
	}

	return &Result{
		Success:      true,
		Message:      fmt.Sprintf("Set %s %s %s = %v.", objType, objID, path, value),
		Metadata:     map[string]any{"object_type": objType, "object_id": objID, "path": path, "value": value},
		WorldChanges: changes,
		WorldVersion: w.Metadata.Version,
	}, nil
}

// editTree applies a typed path set to an object through the patch engine,
// keeping the forbidden-key and kind rules. Unlike the markdown path, admin
// edits may create missing intermediate objects, e.g. a state map an item
// never carried.
func editTree(obj any, path string, value any) (map[string]any, error) {
	tree, err := state.ToTree(obj)
	if err != nil {
		return nil, err
	}
	ensureParents(tree, path)
	if err := state.Apply(tree, state.Change{Op: state.OpSet, Path: path, Value: value}); err != nil {
		return nil, action.Fail(action.CodeInvalidStateUpdate, "cannot edit %q: %v", path, err)
	}
	return tree, nil
}

// ensureParents creates missing intermediate objects along a dot path.
// Existing non-object values are left alone; Apply reports those.
func ensureParents(tree map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := tree
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			if _, exists := cur[s]; exists {
				return
			}
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
}

// adminExamine dumps an object's JSON plus its editable scalar properties:
// @examine <object_type> <object_id>.
func (e *Engine) adminExamine(ctx context.Context, req *Request, args []string) (*Result, error) {
	if len(args) < 2 {
		return fail(action.CodeMalformedInput, "usage: @examine <object_type> <object_id>"), nil
	}
	objType, objID := args[0], args[1]

	w, err := e.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return translate(err)
	}

	var obj any
	switch objType {
	case "item":
		ref, found := w.FindItem(objID)
		if !found {
			return fail(action.CodeNotFound, "no item %q in the world", objID), nil
		}
		obj = ref.Item
	case "npc":
		npc, ok := w.NPCs[objID]
		if !ok {
			return fail(action.CodeNotFound, "no npc %q in the world", objID), nil
		}
		obj = npc
	default:
		return fail(action.CodeMalformedInput, "unknown object type %q, want item or npc", objType), nil
	}

	tree, err := state.ToTree(obj)
	if err != nil {
		return nil, err
	}
	editable := map[string]string{}
	collectEditable(tree, "", editable)

	return &Result{
		Success: true,
		Message: fmt.Sprintf("%s %s", objType, objID),
		Metadata: map[string]any{
			"object":   tree,
			"editable": editable,
		},
	}, nil
}

// systemKeys are excluded from the editable property map.
var systemKeys = map[string]bool{
	"instance_id": true,
	"template_id": true,
	"_version":    true,
	"metadata":    true,
}

// collectEditable walks a tree recording scalar leaf paths and their types.
func collectEditable(tree map[string]any, prefix string, out map[string]string) {
	for k, v := range tree {
		if systemKeys[k] {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			collectEditable(val, path, out)
		case []any:
			// Lists are edited through their own commands, not @edit.
		case bool:
			out[path] = "bool"
		case string:
			out[path] = "string"
		case float64:
			out[path] = "number"
		case nil:
			out[path] = "null"
		}
	}
}

// adminWhere reports the admin's position and everything in the current
// area, hidden and non-collectible items included.
func (e *Engine) adminWhere(ctx context.Context, req *Request) (*Result, error) {
	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}
	w, err := e.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return translate(err)
	}

	pos := view.Player.Position
	items := w.AreaItems(pos)
	itemMeta := make([]map[string]any, 0, len(items))
	for _, it := range items {
		itemMeta = append(itemMeta, map[string]any{
			"instance_id": it.InstanceID,
			"template_id": it.TemplateID,
			"name":        displayName(it),
			"visible":     it.Visible,
			"collectible": it.Collectible,
		})
	}

	var siblings []string
	if loc, ok := w.Locations[pos.Location]; ok {
		for areaID := range loc.Areas {
			if areaID != pos.Area {
				siblings = append(siblings, areaID)
			}
		}
	}
	sort.Strings(siblings)

	return &Result{
		Success: true,
		Message: fmt.Sprintf("You are at %s / %s / %s.", pos.Location, pos.Area, pos.Spot),
		Metadata: map[string]any{
			"location":      pos.Location,
			"area":          pos.Area,
			"sublocation":   pos.Spot,
			"items":         itemMeta,
			"sibling_areas": siblings,
		},
	}, nil
}

// adminReset previews or performs an experience reset:
// @reset [<experience>] [CONFIRM]. Without CONFIRM the preview is returned
// inside a ConfirmationRequired failure so clients can re-submit.
func (e *Engine) adminReset(ctx context.Context, req *Request, args []string) (*Result, error) {
	experienceID := req.Experience
	confirm := false
	for _, a := range args {
		if a == "CONFIRM" {
			confirm = true
		} else {
			experienceID = a
		}
	}
	if experienceID == "" {
		return fail(action.CodeMalformedInput, "usage: @reset <experience> [CONFIRM]"), nil
	}

	if !confirm {
		preview, err := e.states.ResetExperience(ctx, experienceID, true)
		if err != nil {
			return translate(err)
		}
		return &Result{
			Success: false,
			Code:    action.CodeConfirmationRequired,
			Message: fmt.Sprintf("Resetting %s deletes %d player views. Re-submit with CONFIRM.",
				experienceID, preview.ViewCount),
			Metadata: map[string]any{
				"experience":      preview.Experience,
				"views_to_delete": preview.ViewCount,
				"isolated_worlds": preview.IsolatedWorlds,
				"world_version":   preview.WorldVersion,
				"backup_path":     preview.BackupPath,
			},
		}, nil
	}

	summary, err := e.states.ResetExperience(ctx, experienceID, false)
	if err != nil {
		return translate(err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Experience %s reset. %d player views deleted, backup at %s.",
			experienceID, summary.ViewCount, summary.BackupPath),
		Metadata: map[string]any{
			"experience":    summary.Experience,
			"views_deleted": summary.ViewCount,
			"backup_path":   summary.BackupPath,
		},
		WorldVersion: summary.NewVersion,
		World:        summary.World,
	}, nil
}
