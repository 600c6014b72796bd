// Package diff implements structural diff and three-way merge over the
// arbitrary JSON trees stored in AgentState.WorldState and Memory.
// Recursion only descends into JSON objects; arrays and scalars are
// compared as opaque leaves by canonical hash, matching the Rust
// reference's deliberate choice not to run an array LCS
// (original_source/crates/agit-core/src/state.rs).
package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/EfeDurmaz16/agit/pkg/canon"
)

// ChangeType classifies a single diff entry.
type ChangeType string

const (
	Added    ChangeType = "added"
	Removed  ChangeType = "removed"
	Modified ChangeType = "modified"
)

// Entry describes one leaf-level change between two trees, addressed by
// a path of object keys from the root.
type Entry struct {
	Path       []string   `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value,omitempty"`
}

// StateDiff is the full set of changes between two hashed trees.
type StateDiff struct {
	BaseHash   string  `json:"base_hash"`
	TargetHash string  `json:"target_hash"`
	Entries    []Entry `json:"entries"`
}

// Diff computes the structural diff between two decoded JSON values.
// Either side may be nil to represent an absent tree.
func Diff(baseHash, targetHash string, base, target any) (StateDiff, error) {
	var entries []Entry
	if err := walkDiff(nil, base, target, &entries); err != nil {
		return StateDiff{}, err
	}
	return StateDiff{BaseHash: baseHash, TargetHash: targetHash, Entries: entries}, nil
}

func walkDiff(path []string, base, target any, out *[]Entry) error {
	baseObj, baseIsObj := base.(map[string]any)
	targetObj, targetIsObj := target.(map[string]any)

	if baseIsObj && targetIsObj {
		keys := unionKeys(baseObj, targetObj)
		for _, k := range keys {
			bv, bOk := baseObj[k]
			tv, tOk := targetObj[k]
			childPath := append(append([]string{}, path...), k)
			switch {
			case !bOk:
				*out = append(*out, Entry{Path: childPath, ChangeType: Added, NewValue: tv})
			case !tOk:
				*out = append(*out, Entry{Path: childPath, ChangeType: Removed, OldValue: bv})
			default:
				if err := walkDiff(childPath, bv, tv, out); err != nil {
					return err
				}
			}
		}
		return nil
	}

	equal, err := leafEqual(base, target)
	if err != nil {
		return err
	}
	if equal {
		return nil
	}

	switch {
	case base == nil:
		*out = append(*out, Entry{Path: clonePath(path), ChangeType: Added, NewValue: target})
	case target == nil:
		*out = append(*out, Entry{Path: clonePath(path), ChangeType: Removed, OldValue: base})
	default:
		*out = append(*out, Entry{Path: clonePath(path), ChangeType: Modified, OldValue: base, NewValue: target})
	}
	return nil
}

func clonePath(path []string) []string {
	return append([]string{}, path...)
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// leafEqual compares two non-object values by canonical hash, so e.g.
// the number 1 and 1.0, or two structurally identical arrays written in
// different field order within their elements, compare equal exactly
// when a canonical-JSON-aware reader would consider them equal.
func leafEqual(a, b any) (bool, error) {
	if a == nil && b == nil {
		return true, nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	ha, err := canon.HashValue(a)
	if err != nil {
		return false, fmt.Errorf("diff: hash leaf: %w", err)
	}
	hb, err := canon.HashValue(b)
	if err != nil {
		return false, fmt.Errorf("diff: hash leaf: %w", err)
	}
	return ha == hb, nil
}

// DecodeTree decodes a json.RawMessage into the map[string]any/[]any/
// scalar shape the diff and merge walkers operate on.
func DecodeTree(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("diff: decode tree: %w", err)
	}
	return v, nil
}
