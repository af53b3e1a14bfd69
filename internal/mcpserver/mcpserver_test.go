package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/command"
	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/gateway"
	"github.com/Aeonia-ai/gaia-world/internal/mdrunner"
	"github.com/Aeonia-ai/gaia-world/internal/state"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm/mock"
)

const testConfigJSON = `{
  "id": "square",
  "name": "Fountain Square",
  "version": "1.0",
  "state": {"model": "shared", "locking_enabled": true, "optimistic_versioning": true},
  "multiplayer": {"enabled": true},
  "bootstrap": {"player_starting_location": "fountain_square/plaza"}
}`

const testTemplate = `{
  "locations": {
    "fountain_square": {
      "name": "Fountain Square",
      "areas": {
        "plaza": {
          "description": "Cobblestones around the fountain.",
          "items": [
            {
              "instance_id": "bottle_1",
              "template_id": "dream_bottle",
              "semantic_name": "dream bottle",
              "visible": true,
              "collectible": true
            }
          ]
        }
      }
    }
  },
  "npcs": {},
  "global_state": {},
  "metadata": {"_version": 0}
}`

func newTestMCPServer(t *testing.T) *Server {
	t.Helper()
	content := t.TempDir()
	dir := filepath.Join(content, "experiences", "square")
	if err := os.MkdirAll(filepath.Join(dir, "state"), 0o755); err != nil {
		t.Fatal(err)
	}
	for rel, data := range map[string]string{
		"config.json":      testConfigJSON,
		"state/world.json": testTemplate,
	} {
		if err := os.WriteFile(filepath.Join(dir, rel), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	loader := experience.NewLoader(content)
	states := state.NewManager(store, loader)
	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"success": true, "narrative": "ok"}`,
	}}
	dispatcher := gateway.NewDispatcher(
		states,
		fastpath.NewEngine(states),
		mdrunner.NewRunner(states, provider, false),
		command.NewRegistry(loader),
		broadcast.New(),
	)
	return New(states, dispatcher, nil)
}

// connect runs the server over in-memory transports and returns a connected
// client session.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.build().Run(ctx, serverTransport)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
			t.Error("mcp server did not stop after cancel")
		}
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	session, err := client.Connect(connectCtx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func decodeStructured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var out T
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
	return out
}

func TestToolsRegistered(t *testing.T) {
	t.Parallel()
	session := connect(t, newTestMCPServer(t))

	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	if !names["interact"] || !names["list_experiences"] {
		t.Errorf("tools = %v", names)
	}
}

func TestListExperiencesTool(t *testing.T) {
	t.Parallel()
	session := connect(t, newTestMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "list_experiences",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := decodeStructured[ListExperiencesOutput](t, res)
	if len(out.Experiences) != 1 || out.Experiences[0].ID != "square" || out.Experiences[0].Model != "shared" {
		t.Errorf("experiences = %+v", out.Experiences)
	}
}

func TestInteractTool(t *testing.T) {
	t.Parallel()
	session := connect(t, newTestMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "interact",
		Arguments: map[string]any{
			"player_id":  "alice",
			"experience": "square",
			"message":    "take the dream bottle",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := decodeStructured[InteractOutput](t, res)
	if !out.Success || out.Experience != "square" || out.WorldVersion != 1 {
		t.Errorf("interact = %+v", out)
	}
}

func TestInteractToolRequiresPlayer(t *testing.T) {
	t.Parallel()
	session := connect(t, newTestMCPServer(t))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "interact",
		Arguments: map[string]any{"message": "hello"},
	})
	if err == nil && (res == nil || !res.IsError) {
		t.Error("missing player_id did not error")
	}
}
