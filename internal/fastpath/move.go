package fastpath

import (
	"context"
	"fmt"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// goTo moves the player to a structured destination: a spot, an area, or a
// sibling location, in that resolution order. Movement only touches the
// view; the world is read for adjacency.
func (e *Engine) goTo(ctx context.Context, req *Request) (*Result, error) {
	dest := req.arg("destination")
	if dest == "" {
		return fail(action.CodeMalformedInput, "go requires destination"), nil
	}

	view, res, err := e.loadView(ctx, req)
	if res != nil || err != nil {
		return res, err
	}
	w, err := e.states.GetWorldState(ctx, req.Experience, req.PlayerID)
	if err != nil {
		return translate(err)
	}

	next, ferr := resolveDestination(w, view.Player.Position, dest)
	if ferr != nil {
		return translate(ferr)
	}

	var viewChanges []state.Change
	v, err := e.states.UpdatePlayerView(ctx, req.Experience, req.PlayerID, func(v *state.View) error {
		viewChanges = viewChanges[:0]
		v.Player.Position = next
		v.Progress.Visit(next.Location)
		v.Session.TurnsTaken++
		viewChanges = append(viewChanges,
			state.Change{Op: state.OpSet, Path: "player.current_location", Value: next.Location},
			state.Change{Op: state.OpSet, Path: "player.current_area", Value: next.Area},
			state.Change{Op: state.OpSet, Path: "player.current_sublocation", Value: next.Spot},
		)
		return nil
	})
	if err != nil {
		return translate(err)
	}

	return &Result{
		Success: true,
		Message: describeArrival(w, next),
		Metadata: map[string]any{
			"location":    next.Location,
			"area":        next.Area,
			"sublocation": next.Spot,
		},
		ViewChanges: viewChanges,
		ViewVersion: v.Metadata.Version,
	}, nil
}

// resolveDestination maps a destination id to a position reachable in one
// hop. Resolution order: spots in the current location, areas in the current
// location, then sibling locations.
func resolveDestination(w *state.World, pos state.Position, dest string) (state.Position, error) {
	loc, ok := w.Locations[pos.Location]
	if !ok {
		return state.Position{}, action.Fail(action.CodeUnknownDestination, "you are nowhere known")
	}

	// Spots anywhere in the current location. Same-area spots are a
	// structural hop; cross-area spots need an explicit connection.
	for areaID, area := range loc.Areas {
		spot, ok := area.Spots[dest]
		if !ok {
			continue
		}
		next := state.Position{Location: pos.Location, Area: areaID, Spot: dest}
		if areaID == pos.Area {
			return next, nil
		}
		if connects(spot.ConnectsTo, pos.Spot) || connects(spot.ConnectsTo, pos.Area) || connects(area.ConnectsTo, pos.Area) {
			return next, nil
		}
		return state.Position{}, action.Fail(action.CodeNotReachable, "you cannot reach %s from here", dest)
	}

	// Areas of the current location are structural children, one hop away.
	if _, ok := loc.Areas[dest]; ok {
		return state.Position{Location: pos.Location, Area: dest}, nil
	}

	// Sibling locations need an explicit exit in either direction.
	target, ok := w.Locations[dest]
	if !ok {
		return state.Position{}, action.Fail(action.CodeUnknownDestination, "there is no %s anywhere nearby", dest)
	}
	if !connects(loc.Exits, dest) && !connects(target.Exits, pos.Location) {
		return state.Position{}, action.Fail(action.CodeNotReachable, "you cannot reach %s from here", dest)
	}
	area := firstArea(target)
	return state.Position{Location: dest, Area: area}, nil
}

func connects(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// firstArea picks the entry area of a location: the one named "main" or
// "entrance" when present, otherwise the lexically first.
func firstArea(loc state.Location) string {
	for _, preferred := range []string{"main", "entrance"} {
		if _, ok := loc.Areas[preferred]; ok {
			return preferred
		}
	}
	var first string
	for id := range loc.Areas {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}

func describeArrival(w *state.World, pos state.Position) string {
	if spot := w.SpotAt(pos); spot != nil && spot.Description != "" {
		return spot.Description
	}
	if area := w.AreaAt(pos); area != nil && area.Description != "" {
		return area.Description
	}
	if loc, ok := w.Locations[pos.Location]; ok && loc.Description != "" {
		return loc.Description
	}
	return fmt.Sprintf("You arrive at %s.", pos.Area)
}
