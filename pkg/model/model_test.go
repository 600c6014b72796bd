package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlob_HashStableAcrossKeyOrder(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Blob{State: AgentState{
		Memory:     json.RawMessage(`{"b":1,"a":2}`),
		WorldState: json.RawMessage(`{}`),
		Timestamp:  ts,
	}}
	b := Blob{State: AgentState{
		Memory:     json.RawMessage(`{"a":2,"b":1}`),
		WorldState: json.RawMessage(`{}`),
		Timestamp:  ts,
	}}

	hashA, err := a.Hash()
	require.NoError(t, err)
	hashB, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestBlob_DecodeRoundTrip(t *testing.T) {
	blob := Blob{State: AgentState{
		Memory:     json.RawMessage(`{"tool":"search"}`),
		WorldState: json.RawMessage(`{"loc":"kitchen"}`),
		Timestamp:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Cost:       0.5,
	}}
	raw, err := blob.Canonical()
	require.NoError(t, err)

	decoded, err := DecodeBlob(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob.State.Memory), string(decoded.State.Memory))
	assert.Equal(t, blob.State.Cost, decoded.State.Cost)
	assert.True(t, blob.State.Timestamp.Equal(decoded.State.Timestamp))
}

func TestBlob_TreeAndStateFromTreeInvert(t *testing.T) {
	blob := Blob{State: AgentState{
		Memory:     json.RawMessage(`{"tool":"search"}`),
		WorldState: json.RawMessage(`{"loc":"kitchen"}`),
		Timestamp:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Cost:       1.25,
		Metadata:   json.RawMessage(`{"trace":"abc"}`),
	}}

	tree, err := blob.Tree()
	require.NoError(t, err)

	state, err := StateFromTree(tree)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob.State.Memory), string(state.Memory))
	assert.JSONEq(t, string(blob.State.WorldState), string(state.WorldState))
	assert.JSONEq(t, string(blob.State.Metadata), string(state.Metadata))
	assert.Equal(t, blob.State.Cost, state.Cost)
	assert.True(t, blob.State.Timestamp.Equal(state.Timestamp))
}

func TestStateFromTree_RejectsNonObject(t *testing.T) {
	_, err := StateFromTree("not an object")
	assert.Error(t, err)
}

func TestCommit_IsRootAndIsMerge(t *testing.T) {
	root := Commit{}
	assert.True(t, root.IsRoot())
	assert.False(t, root.IsMerge())

	linear := Commit{ParentHashes: []string{"abc"}}
	assert.False(t, linear.IsRoot())
	assert.False(t, linear.IsMerge())

	merge := Commit{ParentHashes: []string{"abc", "def"}}
	assert.True(t, merge.IsMerge())
}

func TestCommit_HashChangesWithMessage(t *testing.T) {
	base := Commit{TreeHash: "t1", Message: "first", Timestamp: time.Now().UTC(), ActionType: ActionToolCall}
	other := base
	other.Message = "second"

	h1, err := base.Hash()
	require.NoError(t, err)
	h2, err := other.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCommit_DecodeRoundTrip(t *testing.T) {
	c := Commit{
		TreeHash:     "t1",
		ParentHashes: []string{"p1", "p2"},
		Message:      "merge branch",
		Author:       "agent-0",
		Timestamp:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		ActionType:   ActionMerge,
	}
	raw, err := c.Canonical()
	require.NoError(t, err)

	decoded, err := DecodeCommit(raw)
	require.NoError(t, err)
	assert.Equal(t, c.TreeHash, decoded.TreeHash)
	assert.Equal(t, c.ParentHashes, decoded.ParentHashes)
	assert.Equal(t, c.ActionType, decoded.ActionType)
}

func TestCustom_ActionType(t *testing.T) {
	assert.Equal(t, ActionType("agent_spawned"), Custom("agent_spawned"))
}
