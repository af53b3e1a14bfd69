// Package mdrunner executes markdown-defined commands: the command's rule
// body and the player's surroundings are handed to an LLM, whose structured
// response is validated and applied through the normal state pipeline.
//
// The LLM is called before any lock is taken. State updates are re-validated
// against the freshest document inside the mutation, so a world that moved
// between call and apply still ends consistent.
package mdrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/command"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/state"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm"
)

var (
	// ErrLLMUnavailable wraps provider transport failures.
	ErrLLMUnavailable = errors.New("mdrunner: llm unavailable")

	// ErrMalformedResponse wraps unparseable LLM output.
	ErrMalformedResponse = errors.New("mdrunner: malformed llm response")
)

// Decoding temperatures: near-deterministic for the structural pass, higher
// for the optional narrative re-voicing pass.
const (
	structuralTemperature = 0.1
	narrativeTemperature  = 0.8
	maxResponseTokens     = 1024
)

// Runner executes markdown commands against an LLM provider.
type Runner struct {
	states   *state.Manager
	provider llm.Provider
	// narrativePass enables the second, higher-temperature call that
	// re-voices the narrative without touching structure.
	narrativePass bool
}

// NewRunner creates a [Runner]. When narrativePass is true, successful
// commands get a second LLM call for prose only.
func NewRunner(states *state.Manager, provider llm.Provider, narrativePass bool) *Runner {
	return &Runner{states: states, provider: provider, narrativePass: narrativePass}
}

// RunRequest is one markdown command invocation.
type RunRequest struct {
	Experience string
	PlayerID   string
	Admin      bool
	Record     *command.Record
	// Message is the player's raw input line.
	Message string
}

// llmResponse is the structured contract the LLM must return.
type llmResponse struct {
	Success          bool           `json:"success"`
	Narrative        string         `json:"narrative"`
	StateUpdates     []stateUpdate  `json:"state_updates"`
	AvailableActions []string       `json:"available_actions"`
	Metadata         map[string]any `json:"metadata"`
}

// stateUpdate is one operation-marked update from the LLM.
type stateUpdate struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Value     any    `json:"value,omitempty"`
	Item      any    `json:"item,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
}

func (u stateUpdate) change() state.Change {
	return state.Change{
		Op:     state.Op(u.Operation),
		Path:   u.Path,
		Value:  u.Value,
		Item:   u.Item,
		ItemID: u.ItemID,
	}
}

// viewScoped reports whether an update path addresses the player's view
// rather than the world document.
func viewScoped(path string) bool {
	for _, prefix := range []string{"player.", "progress.", "session.", "relationships."} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Run executes one markdown command end to end.
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*fastpath.Result, error) {
	if r.provider == nil {
		return failResult(action.CodeLLMUnavailable, "no language model is configured"), nil
	}
	view, err := r.states.GetPlayerView(ctx, req.Experience, req.PlayerID)
	if err != nil {
		if errors.Is(err, state.ErrNotInitialized) {
			return failResult(action.CodeNotInitialized, "player is not initialized for this experience"), nil
		}
		return nil, err
	}
	world, err := r.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return nil, err
	}

	prompt, err := buildPrompt(req, world, view)
	if err != nil {
		return nil, err
	}

	resp, err := r.complete(ctx, prompt, structuralTemperature)
	if err != nil {
		return failResult(action.CodeLLMUnavailable, "the narrator is unavailable, try again shortly"), nil
	}
	parsed, err := parseResponse(resp.Content)
	if err != nil {
		slog.Warn("mdrunner: malformed llm response",
			"command", req.Record.Command, "err", err)
		return failResult(action.CodeMalformedResponse, "the narrator got confused, try rephrasing"), nil
	}

	if !parsed.Success {
		return &fastpath.Result{
			Success:  false,
			Code:     action.CodeMalformedInput,
			Message:  parsed.Narrative,
			Metadata: responseMeta(parsed),
		}, nil
	}

	result := &fastpath.Result{
		Success:  true,
		Message:  parsed.Narrative,
		Metadata: responseMeta(parsed),
	}

	var worldChanges, viewChanges []state.Change
	for _, u := range parsed.StateUpdates {
		if viewScoped(u.Path) {
			viewChanges = append(viewChanges, u.change())
		} else {
			worldChanges = append(worldChanges, u.change())
		}
	}

	// All-or-nothing across both documents: dry-run every change set before
	// either document is written, so one bad view update cannot strand a
	// committed world mutation. The mutators still re-validate against the
	// freshest documents under the lock.
	if res, err := r.validateChanges(world, view, worldChanges, viewChanges); err != nil || res != nil {
		return res, err
	}

	if len(worldChanges) > 0 {
		w, res, err := r.applyWorldChanges(ctx, req, worldChanges)
		if err != nil || res != nil {
			return res, err
		}
		result.WorldChanges = worldChanges
		result.WorldVersion = w.Metadata.Version
	}
	if len(viewChanges) > 0 {
		v, res, err := r.applyViewChanges(ctx, req, viewChanges)
		if err != nil || res != nil {
			return res, err
		}
		result.ViewChanges = viewChanges
		result.ViewVersion = v.Metadata.Version
	}

	if r.narrativePass && result.Message != "" {
		result.Message = r.revoice(ctx, req, result.Message)
	}
	return result, nil
}

// validateChanges dry-runs both change sets against the documents the prompt
// was built from. The returned Result is non-nil when the command must be
// rejected; no document has been written at that point.
func (r *Runner) validateChanges(world *state.World, view *state.View, worldChanges, viewChanges []state.Change) (*fastpath.Result, error) {
	if len(worldChanges) > 0 {
		tree, err := state.ToTree(world)
		if err != nil {
			return nil, err
		}
		if err := state.Validate(tree, worldChanges); err != nil {
			return failResult(action.CodeInvalidStateUpdate, "rejected state update: %v", err), nil
		}
	}
	if len(viewChanges) > 0 {
		tree, err := state.ToTree(view)
		if err != nil {
			return nil, err
		}
		if err := state.Validate(tree, viewChanges); err != nil {
			return failResult(action.CodeInvalidStateUpdate, "rejected state update: %v", err), nil
		}
	}
	return nil, nil
}

// applyWorldChanges validates and applies world-scoped updates under the
// normal lock and version discipline. The returned Result is non-nil only
// for a rejected command; on success the committed world is returned so the
// reported version matches the write.
func (r *Runner) applyWorldChanges(ctx context.Context, req *RunRequest, changes []state.Change) (*state.World, *fastpath.Result, error) {
	w, err := r.states.UpdateWorldState(ctx, req.Experience, req.PlayerID, func(w *state.World) error {
		tree, err := state.ToTree(w)
		if err != nil {
			return err
		}
		if err := state.ApplyAll(tree, changes); err != nil {
			return action.Fail(action.CodeInvalidStateUpdate, "rejected state update: %v", err)
		}
		return state.FromTree(tree, w)
	})
	res, rerr := translateApply(err)
	if rerr != nil || res != nil {
		return nil, res, rerr
	}
	return w, nil, nil
}

// applyViewChanges is the view-scoped counterpart of applyWorldChanges.
// Paths arrive with the view-document prefix intact.
func (r *Runner) applyViewChanges(ctx context.Context, req *RunRequest, changes []state.Change) (*state.View, *fastpath.Result, error) {
	v, err := r.states.UpdatePlayerView(ctx, req.Experience, req.PlayerID, func(v *state.View) error {
		tree, err := state.ToTree(v)
		if err != nil {
			return err
		}
		if err := state.ApplyAll(tree, changes); err != nil {
			return action.Fail(action.CodeInvalidStateUpdate, "rejected state update: %v", err)
		}
		return state.FromTree(tree, v)
	})
	res, rerr := translateApply(err)
	if rerr != nil || res != nil {
		return nil, res, rerr
	}
	return v, nil, nil
}

func translateApply(err error) (*fastpath.Result, error) {
	if err == nil {
		return nil, nil
	}
	var aerr *action.Error
	if errors.As(err, &aerr) {
		return failResult(aerr.Code, "%s", aerr.Message), nil
	}
	if errors.Is(err, state.ErrConflict) {
		return failResult(action.CodeConflict, "the world changed too quickly, try again"), nil
	}
	return nil, err
}

// complete issues one LLM call with the runner's standard budget.
func (r *Runner) complete(ctx context.Context, prompt prompt, temperature float64) (*llm.CompletionResponse, error) {
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt.system,
		Messages:     []llm.Message{{Role: "user", Content: prompt.user}},
		Temperature:  temperature,
		MaxTokens:    maxResponseTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	return resp, nil
}

// revoice runs the optional narrative pass. Failures fall back to the
// structural narrative; prose is not worth failing a committed command.
func (r *Runner) revoice(ctx context.Context, req *RunRequest, narrative string) string {
	resp, err := r.complete(ctx, narrativePrompt(req, narrative), narrativeTemperature)
	if err != nil {
		slog.Debug("mdrunner: narrative pass failed", "err", err)
		return narrative
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return narrative
	}
	return out
}

// parseResponse parses the LLM's JSON, tolerating a markdown code fence
// around it.
func parseResponse(content string) (*llmResponse, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(s), &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &resp, nil
}

func responseMeta(resp *llmResponse) map[string]any {
	meta := map[string]any{}
	for k, v := range resp.Metadata {
		meta[k] = v
	}
	if len(resp.AvailableActions) > 0 {
		meta["available_actions"] = resp.AvailableActions
	}
	return meta
}

func failResult(code action.Code, format string, args ...any) *fastpath.Result {
	return &fastpath.Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}
