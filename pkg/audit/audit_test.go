package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/storage"
	"github.com/EfeDurmaz16/agit/pkg/storage/storagetest"
)

func TestAppend_FirstEntryChainsFromGenesis(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")

	entry, err := log.Append(context.Background(), "commit", "agent-0", "abc123", nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, genesisPrevHash, entry.PrevHash)
	assert.NotEmpty(t, entry.SelfHash)
	assert.Equal(t, uint64(1), entry.Seq)
}

func TestAppend_SecondEntryChainsFromFirst(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")
	ctx := context.Background()

	first, err := log.Append(ctx, "commit", "agent-0", "h1", nil, time.Now().UTC())
	require.NoError(t, err)
	second, err := log.Append(ctx, "commit", "agent-0", "h2", nil, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, first.SelfHash, second.PrevHash)
}

func TestAppend_NormalizesStructuredDetails(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")

	type details struct {
		Branch string `json:"branch"`
		Count  int    `json:"count"`
	}
	entry, err := log.Append(context.Background(), "gc", "", "", details{Branch: "main", Count: 3}, time.Now().UTC())
	require.NoError(t, err)

	m, ok := entry.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main", m["branch"])
}

func TestVerifyChain_HappyPathAndEmptyLogBothVerify(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")
	ctx := context.Background()

	_, err := log.Append(ctx, "commit", "agent-0", "h1", nil, time.Now().UTC())
	require.NoError(t, err)
	_, err = log.Append(ctx, "commit", "agent-0", "h2", nil, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, log.VerifyChain(ctx))

	empty := New(storagetest.New(), "tenant-b")
	assert.NoError(t, empty.VerifyChain(ctx))
}

func TestVerifyChain_DetectsTamperedEntry(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")
	ctx := context.Background()

	_, err := log.Append(ctx, "commit", "agent-0", "h1", nil, time.Now().UTC())
	require.NoError(t, err)

	// Append a second entry directly through the backend, bypassing the
	// audit package so its self_hash does not actually chain from the
	// first entry's self_hash, simulating a tampered or forged record.
	forged := Entry{
		TenantID:  "tenant-a",
		Action:    "commit",
		Actor:     "attacker",
		Timestamp: time.Now().UTC(),
		PrevHash:  "not-the-real-prev-hash",
		SelfHash:  "0000000000000000000000000000000000000000000000000000000000000000",
	}
	payload, err := json.Marshal(forged)
	require.NoError(t, err)
	_, err = backend.AppendLog(ctx, storage.LogEntry{
		TenantID: "tenant-a", Action: forged.Action, Actor: forged.Actor,
		Timestamp: forged.Timestamp, PrevHash: forged.PrevHash, SelfHash: forged.SelfHash,
		Payload: payload,
	})
	require.NoError(t, err)

	err = log.VerifyChain(ctx)
	var chainBroken *agerr.ChainBrokenErr
	assert.ErrorAs(t, err, &chainBroken)
}

func TestQuery_FiltersByAction(t *testing.T) {
	backend := storagetest.New()
	log := New(backend, "tenant-a")
	ctx := context.Background()

	_, err := log.Append(ctx, "commit", "agent-0", "h1", nil, time.Now().UTC())
	require.NoError(t, err)
	_, err = log.Append(ctx, "branch", "agent-0", "", map[string]string{"branch": "exploration"}, time.Now().UTC())
	require.NoError(t, err)

	var seen []Entry
	err = log.Query(ctx, storage.LogFilter{Action: "branch"}, func(e Entry) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "branch", seen[0].Action)
}
