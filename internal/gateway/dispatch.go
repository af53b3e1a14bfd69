package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/command"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/mdrunner"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// Dispatcher classifies incoming player input and routes it to the right
// executor: admin handler, fast-path engine, or markdown runner. Every
// transport (websocket, HTTP, MCP) goes through the same Dispatch call, so
// routing and broadcast behaviour cannot drift between surfaces.
type Dispatcher struct {
	states   *state.Manager
	engine   *fastpath.Engine
	runner   *mdrunner.Runner
	registry *command.Registry
	bus      *broadcast.Broadcaster
}

// NewDispatcher wires the dispatcher over the shared runtime components.
func NewDispatcher(states *state.Manager, engine *fastpath.Engine, runner *mdrunner.Runner, registry *command.Registry, bus *broadcast.Broadcaster) *Dispatcher {
	return &Dispatcher{states: states, engine: engine, runner: runner, registry: registry, bus: bus}
}

// DispatchRequest is one player input on any transport. Message carries raw
// text; structured clients may set Action and Args directly instead.
type DispatchRequest struct {
	Experience string
	PlayerID   string
	Admin      bool
	Message    string
	Action     string
	Args       map[string]any
}

// verbActions maps the surface verb of a text command to its reserved
// structured action. Anything not listed here falls through to the command
// registry.
var verbActions = map[string]string{
	"collect":   fastpath.ActionCollect,
	"take":      fastpath.ActionCollect,
	"get":       fastpath.ActionCollect,
	"pickup":    fastpath.ActionCollect,
	"drop":      fastpath.ActionDrop,
	"use":       fastpath.ActionUse,
	"give":      fastpath.ActionGive,
	"go":        fastpath.ActionGo,
	"move":      fastpath.ActionGo,
	"examine":   fastpath.ActionExamine,
	"look":      fastpath.ActionExamine,
	"inventory": fastpath.ActionInventory,
	"inv":       fastpath.ActionInventory,
}

// Dispatch routes one input end to end: ensure the player is initialized,
// classify, execute, and publish committed world changes to subscribers.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*fastpath.Result, error) {
	if req.Experience == "" {
		return failResult(action.CodeNotFound, "no experience selected"), nil
	}
	if _, err := d.states.EnsurePlayerInitialized(ctx, req.Experience, req.PlayerID); err != nil {
		return d.translateDispatch(err)
	}

	res, err := d.route(ctx, req)
	if err != nil {
		return d.translateDispatch(err)
	}
	d.publish(req, res)
	return res, nil
}

func (d *Dispatcher) route(ctx context.Context, req *DispatchRequest) (*fastpath.Result, error) {
	if req.Action != "" {
		if !fastpath.IsReserved(req.Action) {
			return failResult(action.CodeUnknownCommand, "unknown action %q", req.Action), nil
		}
		return d.engine.Handle(ctx, &fastpath.Request{
			Experience: req.Experience,
			PlayerID:   req.PlayerID,
			Admin:      req.Admin,
			Action:     req.Action,
			Args:       req.Args,
		})
	}

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return failResult(action.CodeMalformedInput, "empty command"), nil
	}

	if fastpath.IsAdminAction(text) {
		return d.engine.HandleAdmin(ctx, &fastpath.Request{
			Experience: req.Experience,
			PlayerID:   req.PlayerID,
			Admin:      req.Admin,
		}, text)
	}

	verb, rest, _ := strings.Cut(text, " ")
	if actionName, ok := verbActions[strings.ToLower(verb)]; ok {
		args, fail := d.textArgs(ctx, req, actionName, strings.TrimSpace(rest))
		if fail != nil {
			return fail, nil
		}
		return d.engine.Handle(ctx, &fastpath.Request{
			Experience: req.Experience,
			PlayerID:   req.PlayerID,
			Admin:      req.Admin,
			Action:     actionName,
			Args:       args,
		})
	}

	rec, err := d.registry.Resolve(req.Experience, text)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return failResult(action.CodeUnknownCommand, "I don't know how to %q", text), nil
	}
	if rec.Admin && !req.Admin {
		return failResult(action.CodePermissionDenied, "that command requires an admin session"), nil
	}
	return d.runner.Run(ctx, &mdrunner.RunRequest{
		Experience: req.Experience,
		PlayerID:   req.PlayerID,
		Admin:      req.Admin,
		Record:     rec,
		Message:    text,
	})
}

// textArgs resolves the free-text remainder of a reserved verb into the
// structured arguments the engine expects. Unresolvable phrases pass through
// unchanged so the engine produces its normal precondition failure.
func (d *Dispatcher) textArgs(ctx context.Context, req *DispatchRequest, actionName, rest string) (map[string]any, *fastpath.Result) {
	switch actionName {
	case fastpath.ActionInventory:
		return nil, nil

	case fastpath.ActionGo:
		return map[string]any{"destination": rest}, nil

	case fastpath.ActionCollect, fastpath.ActionExamine:
		id, err := d.resolveNearbyItem(ctx, req, rest)
		if err != nil {
			return nil, failResult(action.CodeNotInitialized, "player is not initialized for this experience")
		}
		return map[string]any{"instance_id": id}, nil

	case fastpath.ActionDrop, fastpath.ActionUse:
		id, err := d.resolveInventoryItem(ctx, req, rest)
		if err != nil {
			return nil, failResult(action.CodeNotInitialized, "player is not initialized for this experience")
		}
		return map[string]any{"instance_id": id}, nil

	case fastpath.ActionGive:
		itemPhrase, npcPhrase, ok := strings.Cut(rest, " to ")
		if !ok {
			return nil, failResult(action.CodeMalformedInput, "say: give <item> to <npc>")
		}
		id, err := d.resolveInventoryItem(ctx, req, strings.TrimSpace(itemPhrase))
		if err != nil {
			return nil, failResult(action.CodeNotInitialized, "player is not initialized for this experience")
		}
		return map[string]any{
			"instance_id":   id,
			"target_npc_id": d.resolveNPC(ctx, req, strings.TrimSpace(npcPhrase)),
		}, nil
	}
	return nil, nil
}

// resolveNearbyItem matches a phrase against the visible items in the
// player's area plus their inventory, returning an instance id. Admins also
// match hidden items. The raw phrase comes back when nothing matches.
func (d *Dispatcher) resolveNearbyItem(ctx context.Context, req *DispatchRequest, phrase string) (string, error) {
	view, err := d.states.GetPlayerView(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return "", err
	}
	world, err := d.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return "", err
	}
	for _, it := range world.AreaItems(view.Player.Position) {
		if !it.Visible && !req.Admin {
			continue
		}
		if matchesItem(it, phrase) {
			return it.InstanceID, nil
		}
	}
	for _, it := range view.Player.Inventory {
		if matchesItem(it, phrase) {
			return it.InstanceID, nil
		}
	}
	return phrase, nil
}

// resolveInventoryItem matches a phrase against the player's inventory only.
func (d *Dispatcher) resolveInventoryItem(ctx context.Context, req *DispatchRequest, phrase string) (string, error) {
	view, err := d.states.GetPlayerView(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return "", err
	}
	for _, it := range view.Player.Inventory {
		if matchesItem(it, phrase) {
			return it.InstanceID, nil
		}
	}
	return phrase, nil
}

// resolveNPC matches a phrase against NPC ids and names at the player's
// location. Failures fall back to the raw phrase.
func (d *Dispatcher) resolveNPC(ctx context.Context, req *DispatchRequest, phrase string) string {
	world, err := d.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return phrase
	}
	want := normalizePhrase(phrase)
	for id, npc := range world.NPCs {
		if normalizePhrase(id) == want || normalizePhrase(npc.Name) == want {
			return id
		}
	}
	return phrase
}

func matchesItem(it state.Item, phrase string) bool {
	want := normalizePhrase(phrase)
	if want == "" {
		return false
	}
	return normalizePhrase(it.InstanceID) == want || normalizePhrase(it.SemanticName) == want
}

// normalizePhrase lowercases and strips a leading article so "the dream
// bottle" matches the semantic name "dream bottle".
func normalizePhrase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, art := range []string{"the ", "a ", "an "} {
		if rest, ok := strings.CutPrefix(s, art); ok {
			return strings.TrimSpace(rest)
		}
	}
	return s
}

// publish pushes a committed world mutation to the experience's subscribers.
// View-only results stay private to the acting player's own response.
func (d *Dispatcher) publish(req *DispatchRequest, res *fastpath.Result) {
	if res == nil || !res.Success || (len(res.WorldChanges) == 0 && res.World == nil) {
		return
	}

	cfg, err := d.states.LoadConfig(req.Experience)
	if err != nil {
		slog.Warn("gateway: skip broadcast, config unavailable", "experience", req.Experience, "err", err)
		return
	}
	subjectPlayer := ""
	if !cfg.Shared() {
		subjectPlayer = req.PlayerID
	}

	update := broadcast.WorldUpdate{
		Experience:   req.Experience,
		Version:      res.WorldVersion,
		Changes:      res.WorldChanges,
		OriginPlayer: req.PlayerID,
	}
	if res.World != nil {
		full, err := json.Marshal(res.World)
		if err != nil {
			slog.Error("gateway: encode full world for broadcast", "err", err)
		} else {
			update.Full = full
		}
	}
	d.bus.Publish(broadcast.Subject(req.Experience, subjectPlayer), update)
}

// translateDispatch converts infrastructure errors that have a stable
// gameplay meaning; everything else propagates.
func (d *Dispatcher) translateDispatch(err error) (*fastpath.Result, error) {
	var aerr *action.Error
	if errors.As(err, &aerr) {
		return &fastpath.Result{Success: false, Code: aerr.Code, Message: aerr.Message, Metadata: aerr.Metadata}, nil
	}
	if errors.Is(err, state.ErrConflict) {
		return failResult(action.CodeConflict, "the world changed too quickly, try again"), nil
	}
	return nil, err
}

func failResult(code action.Code, format string, args ...any) *fastpath.Result {
	return &fastpath.Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}
