package command

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Aeonia-ai/gaia-world/internal/experience"
)

const examineMD = `---
command: examine
aliases: ["inspect", "look at", "study"]
description: Inspect an object closely.
requires_target: true
state_model_support: ["shared", "isolated"]
---
# Examine

Describe the target in detail. Never change state.
`

const lookMD = `---
command: look
aliases: ["look around", "survey"]
description: Describe the surroundings.
requires_location: true
---
Describe what the player can see from their current position.
`

const resetMD = `---
command: reset
aliases: ["wipe"]
description: Reset the experience.
requires_admin: true
---
Admin only.
`

func writeCommands(t *testing.T, root, id string, files map[string]string) *Registry {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, "experiences", id, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewRegistry(experience.NewLoader(root))
}

func TestResolveExactAndAlias(t *testing.T) {
	t.Parallel()
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"game-logic/examine.md": examineMD,
		"game-logic/look.md":    lookMD,
	})

	rec, err := r.Resolve("woods", "examine")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec == nil || rec.Command != "examine" {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.Admin {
		t.Error("player command flagged admin")
	}
	if rec.Body == "" || rec.Description == "" {
		t.Error("body or description lost in parse")
	}

	rec, err = r.Resolve("woods", "inspect")
	if err != nil || rec == nil || rec.Command != "examine" {
		t.Errorf("alias resolve = %+v, %v", rec, err)
	}

	rec, err = r.Resolve("woods", "Look Around")
	if err != nil || rec == nil || rec.Command != "look" {
		t.Errorf("case-insensitive multiword alias = %+v, %v", rec, err)
	}
}

func TestResolveNaturalLanguagePhrase(t *testing.T) {
	t.Parallel()
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"game-logic/examine.md": examineMD,
	})

	rec, err := r.Resolve("woods", "I want to carefully inspect the fountain")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec == nil || rec.Command != "examine" {
		t.Errorf("phrase match = %+v", rec)
	}
}

func TestResolveFuzzyToken(t *testing.T) {
	t.Parallel()
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"game-logic/examine.md": examineMD,
	})

	// One transposition away from "examine".
	rec, err := r.Resolve("woods", "examnie")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec == nil || rec.Command != "examine" {
		t.Errorf("fuzzy match = %+v", rec)
	}

	// Short tokens never fuzzy-match.
	rec, err = r.Resolve("woods", "exa")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec != nil {
		t.Errorf("short token matched: %+v", rec)
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"game-logic/examine.md": examineMD,
	})

	rec, err := r.Resolve("woods", "teleport to the moon immediately")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec != nil {
		t.Errorf("unexpected match: %+v", rec)
	}
}

func TestAdminLogicDirectory(t *testing.T) {
	t.Parallel()
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"admin-logic/reset.md": resetMD,
	})

	rec, err := r.Resolve("woods", "reset")
	if err != nil || rec == nil {
		t.Fatalf("Resolve: %+v, %v", rec, err)
	}
	if !rec.Admin {
		t.Error("admin-logic command not flagged admin")
	}
}

func TestDuplicateAliasRejected(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	r := writeCommands(t, root, "woods", map[string]string{
		"game-logic/examine.md": examineMD,
		"game-logic/peek.md": `---
command: peek
aliases: ["inspect"]
---
Duplicate alias.
`,
	})

	_, err := r.Resolve("woods", "examine")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestBadFrontmatter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"no delimiter", "just markdown, no frontmatter\n"},
		{"unterminated", "---\ncommand: x\n"},
		{"unknown key", "---\ncommand: x\nbogus: 1\n---\nbody\n"},
		{"missing command", "---\ndescription: no name\n---\nbody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := writeCommands(t, t.TempDir(), "woods", map[string]string{
				"game-logic/bad.md": tt.content,
			})
			if _, err := r.Resolve("woods", "anything"); !errors.Is(err, ErrBadFrontmatter) {
				t.Errorf("expected ErrBadFrontmatter, got %v", err)
			}
		})
	}
}

func TestByteOrderMarkStripped(t *testing.T) {
	t.Parallel()
	// Authors edit command files in tools that prepend a UTF-8 BOM.
	r := writeCommands(t, t.TempDir(), "woods", map[string]string{
		"game-logic/examine.md": "\uFEFF" + examineMD,
	})

	rec, err := r.Resolve("woods", "examine")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec == nil || rec.Command != "examine" {
		t.Errorf("rec = %+v", rec)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	r := writeCommands(t, root, "woods", map[string]string{
		"game-logic/examine.md": examineMD,
	})

	if _, err := r.Resolve("woods", "examine"); err != nil {
		t.Fatal(err)
	}

	// New command appears only after Reload.
	writeCommands(t, root, "woods", map[string]string{
		"game-logic/look.md": lookMD,
	})
	rec, err := r.Resolve("woods", "survey")
	if err != nil || rec != nil {
		t.Errorf("cache served new file early: %+v, %v", rec, err)
	}

	r.Reload("woods")
	rec, err = r.Resolve("woods", "survey")
	if err != nil || rec == nil || rec.Command != "look" {
		t.Errorf("after Reload: %+v, %v", rec, err)
	}
}

func TestSupportsModel(t *testing.T) {
	t.Parallel()
	rec := &Record{Definition: Definition{StateModelSupport: []string{"shared"}}}
	if !rec.SupportsModel("shared") || rec.SupportsModel("isolated") {
		t.Error("explicit support list mishandled")
	}
	open := &Record{}
	if !open.SupportsModel("shared") || !open.SupportsModel("isolated") {
		t.Error("empty support list must allow all models")
	}
}
