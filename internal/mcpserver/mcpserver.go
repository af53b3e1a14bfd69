// Package mcpserver exposes the world runtime to an external chat or
// routing service as MCP tools over stdio. The tools are thin adapters over
// the same dispatcher the HTTP and websocket surfaces use.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aeonia-ai/gaia-world/internal/gateway"
	"github.com/Aeonia-ai/gaia-world/internal/state"
)

const (
	serverName    = "gaia-world"
	serverVersion = "1.0.0"
)

// Server hosts the MCP tool surface.
type Server struct {
	states     *state.Manager
	dispatcher *gateway.Dispatcher
	// adminPlayers may invoke admin commands through the interact tool.
	adminPlayers map[string]bool
}

// New creates the MCP server. adminPlayers lists player ids that are allowed
// to run admin commands over this transport.
func New(states *state.Manager, dispatcher *gateway.Dispatcher, adminPlayers []string) *Server {
	admins := make(map[string]bool, len(adminPlayers))
	for _, p := range adminPlayers {
		admins[p] = true
	}
	return &Server{states: states, dispatcher: dispatcher, adminPlayers: admins}
}

// InteractInput is the payload of the interact tool.
type InteractInput struct {
	PlayerID   string `json:"player_id" jsonschema:"the acting player's id"`
	Message    string `json:"message" jsonschema:"the player's raw command text"`
	Experience string `json:"experience,omitempty" jsonschema:"experience id; the player's current experience when omitted"`
}

// InteractOutput is the structured result of the interact tool.
type InteractOutput struct {
	Success          bool           `json:"success"`
	Narrative        string         `json:"narrative"`
	Code             string         `json:"code,omitempty"`
	Experience       string         `json:"experience"`
	WorldVersion     int64          `json:"world_version,omitempty"`
	AvailableActions []string       `json:"available_actions,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ListExperiencesInput is empty; the tool takes no arguments.
type ListExperiencesInput struct{}

// ListExperiencesOutput lists the playable experiences.
type ListExperiencesOutput struct {
	Experiences []ExperienceSummary `json:"experiences"`
}

// ExperienceSummary is one discoverable experience.
type ExperienceSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

func (s *Server) interact(ctx context.Context, _ *mcp.CallToolRequest, in InteractInput) (*mcp.CallToolResult, InteractOutput, error) {
	if in.PlayerID == "" {
		return nil, InteractOutput{}, fmt.Errorf("player_id is required")
	}

	experienceID := in.Experience
	if experienceID == "" {
		current, err := s.states.GetCurrentExperience(ctx, in.PlayerID)
		if err != nil {
			return nil, InteractOutput{}, fmt.Errorf("read profile: %w", err)
		}
		experienceID = current
	}
	if experienceID == "" {
		return nil, InteractOutput{
			Success:   false,
			Narrative: "No experience selected. Call list_experiences and pass one.",
		}, nil
	}

	res, err := s.dispatcher.Dispatch(ctx, &gateway.DispatchRequest{
		Experience: experienceID,
		PlayerID:   in.PlayerID,
		Admin:      s.adminPlayers[in.PlayerID],
		Message:    in.Message,
	})
	if err != nil {
		return nil, InteractOutput{}, fmt.Errorf("dispatch: %w", err)
	}

	out := InteractOutput{
		Success:      res.Success,
		Narrative:    res.Message,
		Code:         string(res.Code),
		Experience:   experienceID,
		WorldVersion: res.WorldVersion,
		Metadata:     res.Metadata,
	}
	if acts, ok := res.Metadata["available_actions"].([]string); ok {
		out.AvailableActions = acts
	}
	return nil, out, nil
}

func (s *Server) listExperiences(_ context.Context, _ *mcp.CallToolRequest, _ ListExperiencesInput) (*mcp.CallToolResult, ListExperiencesOutput, error) {
	ids, err := s.states.ListExperiences()
	if err != nil {
		return nil, ListExperiencesOutput{}, fmt.Errorf("list experiences: %w", err)
	}
	out := ListExperiencesOutput{Experiences: make([]ExperienceSummary, 0, len(ids))}
	for _, id := range ids {
		info, err := s.states.GetExperienceInfo(id)
		if err != nil {
			slog.Warn("mcpserver: skip unreadable experience", "experience", id, "err", err)
			continue
		}
		out.Experiences = append(out.Experiences, ExperienceSummary{
			ID:    info.ID,
			Name:  info.Name,
			Model: info.Model,
		})
	}
	return nil, out, nil
}

// build assembles the MCP server with its tools registered.
func (s *Server) build() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, &mcp.ServerOptions{
		Instructions: "Tools for running player commands inside location-based game experiences.",
	})
	mcp.AddTool(server, &mcp.Tool{
		Name:        "interact",
		Description: "Run one player command in a game experience and return the narrative result.",
	}, s.interact)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_experiences",
		Description: "List the playable experiences with id, display name, and state model.",
	}, s.listExperiences)
	return server
}

// Run serves the tools over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("mcpserver: serving tools over stdio")
	return s.build().Run(ctx, &mcp.StdioTransport{})
}
