package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op is a change operation marker.
type Op string

const (
	OpSet    Op = "set"
	OpAppend Op = "append"
	OpRemove Op = "remove"
)

// ErrInvalidChange is wrapped by every change validation failure: unknown
// path, wrong container type, or a forbidden key.
var ErrInvalidChange = errors.New("state: invalid change")

// Change is one element of a WorldUpdate and the unit the patch engine
// applies: set a value at a path, append an item to a list at a path, or
// remove a list element matching ItemID (or delete the key when the path
// names a scalar or object).
type Change struct {
	Op     Op     `json:"operation"`
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Item   any    `json:"item,omitempty"`
	ItemID string `json:"item_id,omitempty"`
}

// forbiddenKeys are system keys no change may address. Versions are bumped by
// the state manager, identities are immutable.
var forbiddenKeys = map[string]bool{
	"metadata":    true,
	"_version":    true,
	"instance_id": true,
	"template_id": true,
}

// splitPath splits a dot path and rejects empty segments and forbidden keys.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidChange)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidChange, path)
		}
		if forbiddenKeys[s] {
			return nil, fmt.Errorf("%w: forbidden key %q in %q", ErrInvalidChange, s, path)
		}
	}
	return segs, nil
}

// navigate walks the tree to the parent of the final segment. Intermediate
// segments must exist: the patch engine edits documents, it does not invent
// structure. A numeric segment indexes into a list.
func navigate(doc map[string]any, segs []string) (parent map[string]any, key string, err error) {
	cur := doc
	for i := 0; i < len(segs)-1; i++ {
		next, ok := cur[segs[i]]
		if !ok {
			return nil, "", fmt.Errorf("%w: unknown path segment %q", ErrInvalidChange, strings.Join(segs[:i+1], "."))
		}
		switch v := next.(type) {
		case map[string]any:
			cur = v
		case []any:
			idx, err := strconv.Atoi(segs[i+1])
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, "", fmt.Errorf("%w: bad list index at %q", ErrInvalidChange, strings.Join(segs[:i+2], "."))
			}
			elem, ok := v[idx].(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("%w: list element at %q is not an object", ErrInvalidChange, strings.Join(segs[:i+2], "."))
			}
			cur = elem
			i++ // consumed the index segment
		default:
			return nil, "", fmt.Errorf("%w: path segment %q is a scalar", ErrInvalidChange, strings.Join(segs[:i+1], "."))
		}
	}
	return cur, segs[len(segs)-1], nil
}

// Apply applies one change to a JSON document tree in place.
func Apply(doc map[string]any, ch Change) error {
	segs, err := splitPath(ch.Path)
	if err != nil {
		return err
	}
	parent, key, err := navigate(doc, segs)
	if err != nil {
		return err
	}

	switch ch.Op {
	case OpSet:
		// Setting over an existing value must preserve its kind: a scalar
		// stays a scalar, an object stays an object.
		if existing, ok := parent[key]; ok {
			if !sameKind(existing, ch.Value) {
				return fmt.Errorf("%w: set %q: value kind mismatch", ErrInvalidChange, ch.Path)
			}
		}
		parent[key] = ch.Value
		return nil

	case OpAppend:
		existing, ok := parent[key]
		if !ok {
			parent[key] = []any{ch.Item}
			return nil
		}
		list, ok := existing.([]any)
		if !ok {
			return fmt.Errorf("%w: append %q: target is not a list", ErrInvalidChange, ch.Path)
		}
		parent[key] = append(list, ch.Item)
		return nil

	case OpRemove:
		existing, ok := parent[key]
		if !ok {
			return fmt.Errorf("%w: remove %q: no such key", ErrInvalidChange, ch.Path)
		}
		if ch.ItemID == "" {
			delete(parent, key)
			return nil
		}
		list, ok := existing.([]any)
		if !ok {
			return fmt.Errorf("%w: remove %q: item_id given but target is not a list", ErrInvalidChange, ch.Path)
		}
		for i, elem := range list {
			obj, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			if obj["instance_id"] == ch.ItemID || obj["id"] == ch.ItemID {
				parent[key] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: remove %q: no element with id %q", ErrInvalidChange, ch.Path, ch.ItemID)

	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, ch.Op)
	}
}

// ApplyAll applies changes in order, stopping at the first failure. Callers
// that need all-or-nothing semantics apply to a copy first (see Validate).
func ApplyAll(doc map[string]any, changes []Change) error {
	for _, ch := range changes {
		if err := Apply(doc, ch); err != nil {
			return err
		}
	}
	return nil
}

// Validate dry-runs changes against a deep copy of the document. The
// original is never touched; the markdown runner rejects a whole command on
// the first invalid change.
func Validate(doc map[string]any, changes []Change) error {
	copied, err := deepCopyTree(doc)
	if err != nil {
		return err
	}
	return ApplyAll(copied, changes)
}

// sameKind reports whether two JSON values have the same broad kind.
// nil matches anything.
func sameKind(a, b any) bool {
	if a == nil || b == nil {
		return true
	}
	switch a.(type) {
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	default:
		// Numeric kinds interchange freely: json.Unmarshal yields float64,
		// handlers produce ints.
		return isNumber(a) && isNumber(b)
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

// deepCopyTree copies a JSON tree through a marshal round trip.
func deepCopyTree(doc map[string]any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("state: copy document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("state: copy document: %w", err)
	}
	return out, nil
}

// ToTree converts a typed document into its JSON tree form for the patch
// engine.
func ToTree(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: to tree: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("state: to tree: %w", err)
	}
	return out, nil
}

// FromTree converts a JSON tree back into a typed document.
func FromTree(tree map[string]any, v any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("state: from tree: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("state: from tree: %w", err)
	}
	return nil
}
