package health

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm"
)

// ContentRoot returns a checker that verifies the experience content root
// exists and is a readable directory.
func ContentRoot(root string) Checker {
	return Checker{
		Name: "content-root",
		Check: func(_ context.Context) error {
			info, err := os.Stat(root)
			if err != nil {
				return fmt.Errorf("content root: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("content root %s is not a directory", root)
			}
			return nil
		},
	}
}

// Store returns a checker that probes the document store with a read. A
// missing probe document is healthy; only transport or corruption failures
// count against readiness.
func Store(store docstore.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, _, err := store.Read(ctx, "healthz/probe.json")
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("store: %w", err)
			}
			return nil
		},
	}
}

// LLM returns a checker that verifies an LLM provider is configured. It does
// not call the provider; readiness should not burn tokens.
func LLM(provider llm.Provider) Checker {
	return Checker{
		Name: "llm",
		Check: func(_ context.Context) error {
			if provider == nil {
				return fmt.Errorf("no llm provider configured")
			}
			return nil
		},
	}
}
