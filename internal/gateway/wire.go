package gateway

import (
	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

// Websocket frame type tags.
const (
	frameAction         = "action"
	frameWelcome        = "welcome"
	frameActionResponse = "action_response"
	frameWorldUpdate    = "world_update"
	frameError          = "error"
)

// clientFrame is the single client-to-server frame. Text clients fill
// Message; structured clients fill Action and Args instead.
type clientFrame struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Experience string         `json:"experience,omitempty"`
	Message    string         `json:"message,omitempty"`
	Action     string         `json:"action,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

// welcomeFrame is sent once after a successful connect.
type welcomeFrame struct {
	Type         string `json:"type"`
	PlayerID     string `json:"player_id"`
	Experience   string `json:"experience"`
	Admin        bool   `json:"admin"`
	WorldVersion int64  `json:"world_version"`
}

// actionResponseFrame answers one clientFrame, correlated by ID.
type actionResponseFrame struct {
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"`
	Success      bool           `json:"success"`
	Code         string         `json:"code,omitempty"`
	Narrative    string         `json:"narrative"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ViewChanges  []state.Change `json:"view_changes,omitempty"`
	WorldVersion int64          `json:"world_version,omitempty"`
	ViewVersion  int64          `json:"view_version,omitempty"`
}

// worldUpdateFrame pushes a broadcast update to the client.
type worldUpdateFrame struct {
	Type   string                `json:"type"`
	Update broadcast.WorldUpdate `json:"update"`
}

// errorFrame reports a frame-level failure that is not tied to an action.
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func responseFrame(id string, res *fastpath.Result) actionResponseFrame {
	return actionResponseFrame{
		Type:         frameActionResponse,
		ID:           id,
		Success:      res.Success,
		Code:         string(res.Code),
		Narrative:    res.Message,
		Metadata:     res.Metadata,
		ViewChanges:  res.ViewChanges,
		WorldVersion: res.WorldVersion,
		ViewVersion:  res.ViewVersion,
	}
}
