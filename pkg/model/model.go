// Package model defines the content-addressed object graph: agent
// states, the blobs they serialize into, and the commits that chain
// them into a DAG. Every type here mirrors a struct in the Rust
// reference (original_source/crates/agit-core/src/types.rs and
// objects.rs), translated into Go's explicit-error, value-type idiom.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/EfeDurmaz16/agit/pkg/canon"
)

// AgentState is the logical payload a caller commits: an opaque memory
// blob, an opaque world-state blob, and the bookkeeping fields spec.md
// treats as first-class (timestamp, cost, metadata). Memory and
// WorldState are kept as json.RawMessage rather than map[string]any so
// callers can round-trip arbitrary nested structures without this
// package needing to know their shape.
type AgentState struct {
	Memory     json.RawMessage `json:"memory"`
	WorldState json.RawMessage `json:"world_state"`
	Timestamp  time.Time       `json:"timestamp"`
	Cost       float64         `json:"cost"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Blob is the content-addressed wrapper around a serialized AgentState.
// Its hash is computed over the canonicalized state, not over the
// Go-encoded JSON, so two states differing only in key order or number
// formatting hash identically.
type Blob struct {
	State AgentState
}

// canonicalMap renders an AgentState into the map[string]any shape
// canon.Encode expects, decoding the two raw-message fields so their
// contents participate in canonicalization rather than being treated as
// opaque strings.
func (b Blob) canonicalMap() (map[string]any, error) {
	memory, err := decodeRaw(b.State.Memory)
	if err != nil {
		return nil, fmt.Errorf("model: decode memory: %w", err)
	}
	world, err := decodeRaw(b.State.WorldState)
	if err != nil {
		return nil, fmt.Errorf("model: decode world_state: %w", err)
	}
	meta, err := decodeRaw(b.State.Metadata)
	if err != nil {
		return nil, fmt.Errorf("model: decode metadata: %w", err)
	}

	m := map[string]any{
		"memory":      memory,
		"world_state": world,
		"timestamp":   b.State.Timestamp.UTC().Format(time.RFC3339Nano),
		"cost":        b.State.Cost,
	}
	if meta != nil {
		m["metadata"] = meta
	}
	return m, nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tree decodes the blob's state into the map[string]any shape
// pkg/diff's structural diff and three-way merge walkers operate on.
func (b Blob) Tree() (map[string]any, error) { return b.canonicalMap() }

// Canonical returns the canonical-JSON bytes of the blob's state.
func (b Blob) Canonical() ([]byte, error) {
	m, err := b.canonicalMap()
	if err != nil {
		return nil, err
	}
	return canon.Encode(m)
}

// Hash computes the blob's content hash as lowercase hex.
func (b Blob) Hash() (string, error) {
	c, err := b.Canonical()
	if err != nil {
		return "", err
	}
	return canon.HexString(canon.Hash(canon.KindBlob, c)), nil
}

// ActionType classifies why a commit was made. The fixed set is the one
// spec.md §3 names explicitly. Custom is an open escape hatch at
// the wire boundary so callers can record a domain-specific action name
// without a code change here, grounded on the Rust reference's
// ActionType::Custom(String) variant.
type ActionType string

const (
	ActionToolCall     ActionType = "tool_call"
	ActionLLMResponse  ActionType = "llm_response"
	ActionUserInput    ActionType = "user_input"
	ActionSystemEvent  ActionType = "system_event"
	ActionRetry        ActionType = "retry"
	ActionRollback     ActionType = "rollback"
	ActionMerge        ActionType = "merge"
	ActionCheckpoint   ActionType = "checkpoint"
	// ActionSquash is generated internally by pkg/gc's squash operation
	// (also reused by the retention sweep's count-based truncation),
	// not submitted by callers. ActionGC is reserved the same way for
	// any future commit a GC pass itself produces; GC today only
	// deletes, it never commits.
	ActionSquash ActionType = "squash"
	ActionGC     ActionType = "gc"
)

// Custom wraps an arbitrary caller-supplied action name not in the
// fixed set above.
func Custom(name string) ActionType { return ActionType(name) }

// Commit is an immutable DAG node: a pointer to the tree (state) it
// captures, zero, one, or two parent hashes, and provenance metadata.
// Two parents means a merge commit; zero parents means a root commit.
type Commit struct {
	TreeHash     string          `json:"tree_hash"`
	ParentHashes []string        `json:"parent_hashes"`
	Message      string          `json:"message"`
	Author       string          `json:"author"`
	Timestamp    time.Time       `json:"timestamp"`
	ActionType   ActionType      `json:"action_type"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

func (c Commit) canonicalMap() (map[string]any, error) {
	meta, err := decodeRaw(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("model: decode commit metadata: %w", err)
	}
	parents := make([]any, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[i] = p
	}
	m := map[string]any{
		"tree_hash":     c.TreeHash,
		"parent_hashes": parents,
		"message":       c.Message,
		"author":        c.Author,
		"timestamp":     c.Timestamp.UTC().Format(time.RFC3339Nano),
		"action_type":   string(c.ActionType),
	}
	if meta != nil {
		m["metadata"] = meta
	}
	return m, nil
}

// Canonical returns the canonical-JSON bytes of the commit.
func (c Commit) Canonical() ([]byte, error) {
	m, err := c.canonicalMap()
	if err != nil {
		return nil, err
	}
	return canon.Encode(m)
}

// Hash computes the commit's content hash as lowercase hex.
func (c Commit) Hash() (string, error) {
	b, err := c.Canonical()
	if err != nil {
		return "", err
	}
	return canon.HexString(canon.Hash(canon.KindCommit, b)), nil
}

// IsRoot reports whether the commit has no parents.
func (c Commit) IsRoot() bool { return len(c.ParentHashes) == 0 }

// IsMerge reports whether the commit has two parents.
func (c Commit) IsMerge() bool { return len(c.ParentHashes) == 2 }

// DecodeCommit parses a stored commit's canonical-JSON bytes back into
// a Commit. Canonical JSON is still well-formed JSON, so the standard
// decoder handles it without needing to know about key ordering.
func DecodeCommit(raw []byte) (Commit, error) {
	var c Commit
	if err := json.Unmarshal(raw, &c); err != nil {
		return Commit{}, fmt.Errorf("model: decode commit: %w", err)
	}
	return c, nil
}

// StateFromTree reconstructs an AgentState from the map[string]any
// shape Tree produces, the inverse a merge result needs to turn a
// merged tree back into a committable state.
func StateFromTree(tree any) (AgentState, error) {
	m, ok := tree.(map[string]any)
	if !ok {
		return AgentState{}, fmt.Errorf("model: merged tree is not an object")
	}
	var state AgentState
	if v, ok := m["memory"]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return AgentState{}, fmt.Errorf("model: encode merged memory: %w", err)
		}
		state.Memory = raw
	}
	if v, ok := m["world_state"]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return AgentState{}, fmt.Errorf("model: encode merged world_state: %w", err)
		}
		state.WorldState = raw
	}
	if v, ok := m["metadata"]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return AgentState{}, fmt.Errorf("model: encode merged metadata: %w", err)
		}
		state.Metadata = raw
	}
	if v, ok := m["cost"].(float64); ok {
		state.Cost = v
	}
	if v, ok := m["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.Timestamp = t
		}
	}
	return state, nil
}

// DecodeBlob parses a stored blob's canonical-JSON bytes back into a
// Blob.
func DecodeBlob(raw []byte) (Blob, error) {
	var state AgentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return Blob{}, fmt.Errorf("model: decode blob: %w", err)
	}
	return Blob{State: state}, nil
}
