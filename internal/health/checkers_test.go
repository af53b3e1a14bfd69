package health

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm/mock"
)

func TestContentRootChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	if err := ContentRoot(dir).Check(ctx); err != nil {
		t.Errorf("existing dir: %v", err)
	}
	if err := ContentRoot(filepath.Join(dir, "missing")).Check(ctx); err == nil {
		t.Error("missing dir passed the check")
	}
}

func TestStoreChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := docstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// An empty store is healthy; the probe document need not exist.
	if err := Store(store).Check(ctx); err != nil {
		t.Errorf("empty store: %v", err)
	}
}

func TestLLMChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if err := LLM(&mock.Provider{}).Check(ctx); err != nil {
		t.Errorf("configured provider: %v", err)
	}
	if err := LLM(nil).Check(ctx); err == nil {
		t.Error("nil provider passed the check")
	}
}
