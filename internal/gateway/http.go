package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// interactRequest is the HTTP request/response analogue of a websocket
// action frame. Experience is optional; the player's profile fills it in.
type interactRequest struct {
	Message                  string         `json:"message"`
	Experience               string         `json:"experience,omitempty"`
	Action                   string         `json:"action,omitempty"`
	Args                     map[string]any `json:"args,omitempty"`
	ForceExperienceSelection bool           `json:"force_experience_selection,omitempty"`
}

type interactResponse struct {
	Success          bool           `json:"success"`
	Code             string         `json:"code,omitempty"`
	Narrative        string         `json:"narrative"`
	Experience       string         `json:"experience,omitempty"`
	StateUpdates     []state.Change `json:"state_updates,omitempty"`
	AvailableActions []string       `json:"available_actions,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	WorldVersion     int64          `json:"world_version,omitempty"`
}

// handleInteract serves one command per request for clients without a
// websocket, the external chat service included.
func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.Context(), tokenFromRequest(r))
	if err != nil {
		httpError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req interactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	experienceID := strings.TrimSpace(req.Experience)
	if experienceID == "" {
		experienceID, err = s.states.GetCurrentExperience(r.Context(), identity.PlayerID)
		if err != nil {
			slog.Error("gateway: read profile", "player", identity.PlayerID, "err", err)
			httpError(w, http.StatusInternalServerError, "could not read profile")
			return
		}
	}
	if experienceID == "" || req.ForceExperienceSelection {
		s.writeExperienceSelection(w)
		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), &DispatchRequest{
		Experience: experienceID,
		PlayerID:   identity.PlayerID,
		Admin:      identity.Admin,
		Message:    req.Message,
		Action:     req.Action,
		Args:       req.Args,
	})
	if err != nil {
		slog.Error("gateway: interact dispatch", "player", identity.PlayerID, "err", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Remember the experience so the next bare request lands in the same
	// place. Best effort; interacting is more important than the pointer.
	if _, err := s.states.SetCurrentExperience(r.Context(), identity.PlayerID, experienceID); err != nil {
		slog.Warn("gateway: update current experience", "player", identity.PlayerID, "err", err)
	}

	out := interactResponse{
		Success:      res.Success,
		Code:         string(res.Code),
		Narrative:    res.Message,
		Experience:   experienceID,
		StateUpdates: append(append([]state.Change{}, res.WorldChanges...), res.ViewChanges...),
		Metadata:     res.Metadata,
		WorldVersion: res.WorldVersion,
	}
	if acts, ok := res.Metadata["available_actions"].([]string); ok {
		out.AvailableActions = acts
	}
	writeJSON(w, http.StatusOK, out)
}

// writeExperienceSelection answers with the list of playable experiences
// when no experience is selected or the client forces a new selection.
func (s *Server) writeExperienceSelection(w http.ResponseWriter) {
	infos, err := s.experienceInfos()
	if err != nil {
		slog.Error("gateway: list experiences", "err", err)
		httpError(w, http.StatusInternalServerError, "could not list experiences")
		return
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, fmt.Sprintf("%s (%s)", info["id"], info["name"]))
	}
	writeJSON(w, http.StatusOK, interactResponse{
		Success:   true,
		Narrative: "Which experience would you like to enter? " + strings.Join(names, ", "),
		Metadata:  map[string]any{"available_experiences": infos},
	})
}

// handleListExperiences returns the playable experiences with their display
// metadata.
func (s *Server) handleListExperiences(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(r.Context(), tokenFromRequest(r)); err != nil {
		httpError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	infos, err := s.experienceInfos()
	if err != nil {
		slog.Error("gateway: list experiences", "err", err)
		httpError(w, http.StatusInternalServerError, "could not list experiences")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiences": infos})
}

func (s *Server) experienceInfos() ([]map[string]any, error) {
	ids, err := s.states.ListExperiences()
	if err != nil {
		return nil, err
	}
	infos := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		info, err := s.states.GetExperienceInfo(id)
		if err != nil {
			slog.Warn("gateway: skip unreadable experience", "experience", id, "err", err)
			continue
		}
		infos = append(infos, map[string]any{
			"id":    info.ID,
			"name":  info.Name,
			"model": info.Model,
		})
	}
	return infos, nil
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "narrative": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("gateway: encode response", "err", err)
	}
}
