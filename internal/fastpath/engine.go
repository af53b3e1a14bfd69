// Package fastpath executes the reserved structured commands in code, with
// no LLM in the loop: item handling, movement, read-only queries, and the
// admin command set. Handlers run inside the state manager's mutation
// pipeline, so versioning, locking, and retry behave the same as for every
// other mutation.
package fastpath

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// Reserved structured action names.
const (
	ActionCollect   = "collect_item"
	ActionDrop      = "drop_item"
	ActionUse       = "use_item"
	ActionGive      = "give_item"
	ActionGo        = "go"
	ActionExamine   = "examine"
	ActionInventory = "inventory"
)

var reserved = map[string]bool{
	ActionCollect:   true,
	ActionDrop:      true,
	ActionUse:       true,
	ActionGive:      true,
	ActionGo:        true,
	ActionExamine:   true,
	ActionInventory: true,
}

// IsReserved reports whether action is a fast-path structured action.
func IsReserved(actionName string) bool {
	return reserved[actionName]
}

// Request is one structured command invocation.
type Request struct {
	Experience string
	PlayerID   string
	Admin      bool
	Action     string
	// Args carries the structured payload: instance_id, target_npc_id,
	// destination, and the like.
	Args map[string]any
}

// arg returns a string argument by key, empty when absent.
func (r *Request) arg(key string) string {
	s, _ := r.Args[key].(string)
	return s
}

// Result is the outcome of a fast-path command. A failed command never
// writes; a successful mutating command carries the committed changes and
// the post-write version for broadcasting.
type Result struct {
	Success  bool
	Message  string
	Code     action.Code
	Metadata map[string]any

	// WorldChanges describe a committed world mutation at WorldVersion.
	WorldChanges []state.Change
	WorldVersion int64

	// ViewChanges describe a committed view mutation at ViewVersion,
	// delivered only to the owning player.
	ViewChanges []state.Change
	ViewVersion int64

	// World carries the full post-mutation world when subscribers need a
	// complete re-sync, e.g. after a reset.
	World *state.World
}

// fail builds a failure result from a stable code.
func fail(code action.Code, format string, args ...any) *Result {
	return &Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Engine dispatches reserved structured actions to their handlers.
type Engine struct {
	states *state.Manager
}

// NewEngine creates an [Engine] over the state manager.
func NewEngine(states *state.Manager) *Engine {
	return &Engine{states: states}
}

// Handle executes one reserved action. Infrastructure failures (store,
// config) return an error; gameplay precondition failures return a Result
// with Success=false and a stable code.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Result, error) {
	switch req.Action {
	case ActionCollect:
		return e.collectItem(ctx, req)
	case ActionDrop:
		return e.dropItem(ctx, req)
	case ActionUse:
		return e.useItem(ctx, req)
	case ActionGive:
		return e.giveItem(ctx, req)
	case ActionGo:
		return e.goTo(ctx, req)
	case ActionExamine:
		return e.examine(ctx, req)
	case ActionInventory:
		return e.inventory(ctx, req)
	default:
		return fail(action.CodeUnknownCommand, "unknown action %q", req.Action), nil
	}
}

// translate converts state-layer and action-layer errors into failure
// results; anything else stays an error for the caller.
func translate(err error) (*Result, error) {
	var aerr *action.Error
	if errors.As(err, &aerr) {
		return &Result{
			Success:  false,
			Code:     aerr.Code,
			Message:  aerr.Message,
			Metadata: aerr.Metadata,
		}, nil
	}
	switch {
	case errors.Is(err, state.ErrNotInitialized):
		return fail(action.CodeNotInitialized, "player is not initialized for this experience"), nil
	case errors.Is(err, state.ErrConflict):
		return fail(action.CodeConflict, "the world changed too quickly, try again"), nil
	}
	return nil, err
}

// loadView fetches the player's view, translating the uninitialized case.
func (e *Engine) loadView(ctx context.Context, req *Request) (*state.View, *Result, error) {
	v, err := e.states.GetPlayerView(ctx, req.Experience, req.PlayerID)
	if err != nil {
		res, err := translate(err)
		return nil, res, err
	}
	return v, nil, nil
}

// worldPlayerID returns the player id to address the world with: empty for
// shared experiences, the requesting player for isolated ones.
func (e *Engine) worldPlayerID(req *Request) (string, error) {
	cfg, err := e.states.LoadConfig(req.Experience)
	if err != nil {
		return "", err
	}
	if cfg.Shared() {
		return "", nil
	}
	return req.PlayerID, nil
}
