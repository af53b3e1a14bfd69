// Package command discovers markdown-defined commands for an experience and
// exposes the dispatch table the gateway resolves invocations against.
//
// Commands live as markdown files with YAML frontmatter under the experience
// content directory: game-logic/ for player commands, admin-logic/ for admin
// commands. The body below the frontmatter is the rule text handed to the
// markdown runner.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"

	"github.com/Aeonia-ai/gaia-world/internal/experience"
)

// ErrDuplicate is returned when two markdown files claim the same command
// name or alias within one experience.
var ErrDuplicate = errors.New("command: duplicate command name or alias")

// ErrBadFrontmatter wraps frontmatter parse failures.
var ErrBadFrontmatter = errors.New("command: bad frontmatter")

// Definition is the YAML frontmatter of one command markdown file.
type Definition struct {
	Command           string   `yaml:"command"`
	Aliases           []string `yaml:"aliases"`
	Description       string   `yaml:"description"`
	RequiresLocation  bool     `yaml:"requires_location"`
	RequiresTarget    bool     `yaml:"requires_target"`
	StateModelSupport []string `yaml:"state_model_support"`
	RequiresAdmin     bool     `yaml:"requires_admin"`
}

// Record is one discovered command: its frontmatter, the markdown rule body,
// and where it came from.
type Record struct {
	Definition
	Body string
	Path string
	// Admin is true for commands found under admin-logic/ or flagged
	// requires_admin. The frontmatter flag is authoritative either way.
	Admin bool
}

// SupportsModel reports whether the command supports the given state model.
// An empty support list means all models.
func (r *Record) SupportsModel(model string) bool {
	if len(r.StateModelSupport) == 0 {
		return true
	}
	for _, m := range r.StateModelSupport {
		if m == model {
			return true
		}
	}
	return false
}

// table is the per-experience dispatch table.
type table struct {
	byName  map[string]*Record
	records []*Record
}

// Registry caches command tables per experience.
type Registry struct {
	exps *experience.Loader

	mu    sync.RWMutex
	cache map[string]*table
}

// NewRegistry creates a [Registry] discovering commands through the same
// content root the experience loader uses.
func NewRegistry(exps *experience.Loader) *Registry {
	return &Registry{
		exps:  exps,
		cache: make(map[string]*table),
	}
}

// load returns the cached table for an experience, scanning the content
// directories on first reference.
func (r *Registry) load(experienceID string) (*table, error) {
	r.mu.RLock()
	t, ok := r.cache[experienceID]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := r.scan(experienceID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[experienceID] = t
	r.mu.Unlock()
	return t, nil
}

// scan reads all command markdown under game-logic/ and admin-logic/.
func (r *Registry) scan(experienceID string) (*table, error) {
	t := &table{byName: make(map[string]*Record)}
	dir := r.exps.Dir(experienceID)

	for _, sub := range []struct {
		name  string
		admin bool
	}{
		{"game-logic", false},
		{"admin-logic", true},
	} {
		entries, err := os.ReadDir(filepath.Join(dir, sub.name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("command: scan %s for %q: %w", sub.name, experienceID, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, sub.name, e.Name())
			rec, err := parseFile(path, sub.admin)
			if err != nil {
				return nil, err
			}
			if err := t.register(rec); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// register adds a record under its canonical name and all aliases, rejecting
// collisions.
func (t *table) register(rec *Record) error {
	names := append([]string{rec.Command}, rec.Aliases...)
	for _, n := range names {
		key := normalize(n)
		if key == "" {
			continue
		}
		if prev, ok := t.byName[key]; ok && prev != rec {
			return fmt.Errorf("%w: %q claimed by %s and %s", ErrDuplicate, n, prev.Path, rec.Path)
		}
		t.byName[key] = rec
	}
	t.records = append(t.records, rec)
	return nil
}

// parseFile splits a markdown file into frontmatter and body.
func parseFile(path string, adminDir bool) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("command: read %q: %w", path, err)
	}

	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadFrontmatter, path, err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(front))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadFrontmatter, path, err)
	}
	if def.Command == "" {
		return nil, fmt.Errorf("%w: %s: command must not be empty", ErrBadFrontmatter, path)
	}

	return &Record{
		Definition: def,
		Body:       strings.TrimSpace(string(body)),
		Path:       path,
		Admin:      adminDir || def.RequiresAdmin,
	}, nil
}

// splitFrontmatter separates the leading "---" delimited YAML block from the
// markdown body.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	const delim = "---"
	s := string(data)
	if !strings.HasPrefix(strings.TrimLeft(s, "\uFEFF\n\r "), delim) {
		return nil, nil, errors.New("missing frontmatter delimiter")
	}
	s = strings.TrimLeft(s, "\uFEFF\n\r ")
	rest := s[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return nil, nil, errors.New("unterminated frontmatter")
	}
	front = []byte(rest[:end])
	after := rest[end+len(delim)+1:]
	after = strings.TrimPrefix(after, "\n")
	return front, []byte(after), nil
}

// List returns all commands for an experience, sorted by canonical name.
func (r *Registry) List(experienceID string) ([]*Record, error) {
	t, err := r.load(experienceID)
	if err != nil {
		return nil, err
	}
	out := append([]*Record(nil), t.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out, nil
}

// Reload drops the cached table; the next resolve rescans the directories.
func (r *Registry) Reload(experienceID string) {
	r.mu.Lock()
	delete(r.cache, experienceID)
	r.mu.Unlock()
}

// fuzzyMaxDistance is the optimal string alignment distance accepted when
// matching a bare token against an alias. Tokens shorter than
// fuzzyMinTokenLen never fuzzy-match; they collide too easily.
const (
	fuzzyMaxDistance = 2
	fuzzyMinTokenLen = 4
)

// Resolve maps an invocation, structured token or natural language, to a
// command record. Matching order: exact name or alias on the whole
// invocation, alias phrase contained in the invocation, then a fuzzy match
// of single tokens against aliases. Returns nil when nothing matches.
func (r *Registry) Resolve(experienceID, invocation string) (*Record, error) {
	t, err := r.load(experienceID)
	if err != nil {
		return nil, err
	}

	inv := normalize(invocation)
	if inv == "" {
		return nil, nil
	}

	if rec, ok := t.byName[inv]; ok {
		return rec, nil
	}

	// Alias phrases inside a longer natural-language invocation, longest
	// alias first so "pick up" beats "up".
	keys := make([]string, 0, len(t.byName))
	for k := range t.byName {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if containsPhrase(inv, k) {
			return t.byName[k], nil
		}
	}

	// Fuzzy rescue for a single mistyped token.
	tokens := strings.Fields(inv)
	if len(tokens) == 1 && len(tokens[0]) >= fuzzyMinTokenLen {
		var best *Record
		bestDist := fuzzyMaxDistance + 1
		for k, rec := range t.byName {
			if strings.ContainsRune(k, ' ') {
				continue
			}
			d := matchr.OSA(tokens[0], k)
			if d < bestDist {
				bestDist = d
				best = rec
			}
		}
		if bestDist <= fuzzyMaxDistance {
			return best, nil
		}
	}
	return nil, nil
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// containsPhrase reports whether phrase appears in s on word boundaries.
func containsPhrase(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	idx := 0
	for {
		i := strings.Index(s[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		okStart := start == 0 || s[start-1] == ' '
		okEnd := end == len(s) || s[end] == ' '
		if okStart && okEnd {
			return true
		}
		idx = start + 1
		if idx >= len(s) {
			return false
		}
	}
}
