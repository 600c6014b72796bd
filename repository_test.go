package agit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/diff"
	"github.com/EfeDurmaz16/agit/pkg/migration"
	"github.com/EfeDurmaz16/agit/pkg/model"
	"github.com/EfeDurmaz16/agit/pkg/storage/storagetest"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := New(Config{
		Backend:  BackendFile,
		Path:     filepath.Join(dir, "repo"),
		TenantID: "tenant-test",
	})
	require.NoError(t, err)
	require.NoError(t, repo.Start(context.Background()))
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	return repo
}

func stateWith(loc string) model.AgentState {
	return model.AgentState{
		Memory:     json.RawMessage(`{"last_tool":"search"}`),
		WorldState: json.RawMessage(`{"location":"` + loc + `"}`),
		Timestamp:  time.Now().UTC(),
		Cost:       0.01,
	}
}

func TestNew_RequiresTenantID(t *testing.T) {
	_, err := New(Config{Backend: BackendFile, Path: t.TempDir()})
	assert.Error(t, err)
}

func TestRepository_OperationsFailBeforeStart(t *testing.T) {
	repo, err := New(Config{Backend: BackendFile, Path: t.TempDir(), TenantID: "t"})
	require.NoError(t, err)
	_, err = repo.Commit(context.Background(), stateWith("kitchen"), "msg", model.ActionSystemEvent, "a")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestCommit_CreatesRootOnMain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	hash, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", status.CurrentBranch)
	assert.Equal(t, hash, status.Branches["main"])
}

func TestBranchAndCheckout(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	root, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)

	require.NoError(t, repo.Branch(ctx, "exploration", ""))
	state, err := repo.Checkout(ctx, "exploration")
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"kitchen"}`, string(state.WorldState))

	_, err = repo.Commit(ctx, stateWith("pantry"), "moved", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exploration", status.CurrentBranch)
	assert.Equal(t, root, status.Branches["main"])
	assert.NotEqual(t, root, status.Branches["exploration"])
}

func TestBranch_DuplicateNameFails(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)

	require.NoError(t, repo.Branch(ctx, "exploration", ""))
	err = repo.Branch(ctx, "exploration", "")
	assert.Error(t, err)
}

func TestDeleteBranch_RefusesMainUnconditionally(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))

	// Attach HEAD to "exploration" so main is no longer the current
	// branch; deleting it must still fail.
	_, err = repo.Checkout(ctx, "exploration")
	require.NoError(t, err)

	err = repo.DeleteBranch(ctx, "main")
	assert.Error(t, err)

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status.Branches, "main")
}

func TestDeleteBranch_RefusesCurrentlyAttachedBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))
	_, err = repo.Checkout(ctx, "exploration")
	require.NoError(t, err)

	err = repo.DeleteBranch(ctx, "exploration")
	assert.Error(t, err)
}

func TestDeleteBranch_RemovesNonAttachedNonMainBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))

	require.NoError(t, repo.DeleteBranch(ctx, "exploration"))

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.NotContains(t, status.Branches, "exploration")
}

func TestDiff_BetweenCommits(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	target, err := repo.Commit(ctx, stateWith("pantry"), "moved", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	result, err := repo.Diff(ctx, base, target)
	require.NoError(t, err)
	require.NotEmpty(t, result.Entries)
}

func TestMerge_ThreeWayNoConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))
	_, err = repo.Checkout(ctx, "exploration")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("pantry"), "moved", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	_, err = repo.Checkout(ctx, "main")
	require.NoError(t, err)
	mergeHash, err := repo.Merge(ctx, "exploration", diff.StrategyThreeWay, "agent-0")
	require.NoError(t, err)
	assert.NotEmpty(t, mergeHash)

	state, err := repo.Checkout(ctx, "main")
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"pantry"}`, string(state.WorldState))
}

func TestMerge_RequiresAttachedHead(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	root, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))
	_, err = repo.Checkout(ctx, root)
	require.NoError(t, err)

	_, err = repo.Merge(ctx, "exploration", diff.StrategyThreeWay, "agent-0")
	assert.Error(t, err)
}

func TestRevert_CommitsPastStateOnTop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	root, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("pantry"), "moved", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	reverted, err := repo.Revert(ctx, root, "agent-0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"kitchen"}`, string(reverted.WorldState))

	commits, err := repo.Log(ctx, "main", 10)
	require.NoError(t, err)
	assert.Len(t, commits, 3)
}

func TestLog_RespectsLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Commit(ctx, stateWith("kitchen"), "msg", model.ActionToolCall, "agent-0")
		require.NoError(t, err)
	}

	commits, err := repo.Log(ctx, "main", 2)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestGC_SweepsUnreachableAfterSquash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("b"), "2", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("c"), "3", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	_, err = repo.Squash(ctx, "main", 2, "agent-0")
	require.NoError(t, err)

	stats, err := repo.GC(ctx, GCPolicy{})
	require.NoError(t, err)
	assert.Greater(t, stats.ObjectsSwept, uint64(0))
}

func TestGC_NeverSweepsASecondLiveBranchsHistory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "feature", ""))
	_, err = repo.Checkout(ctx, "feature")
	require.NoError(t, err)
	featureHash, err := repo.Commit(ctx, stateWith("b"), "2", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	// GC takes no per-branch filter: every live branch's tip is always a
	// root, so feature's own history must survive a GC run even though
	// main never diverged onto it.
	_, err = repo.GC(ctx, GCPolicy{})
	require.NoError(t, err)

	state, err := repo.Checkout(ctx, featureHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"b"}`, string(state.WorldState))
}

func TestSquash_MessageConcatenatesSquashedCommitMessages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "root", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("b"), "first change", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	_, err = repo.Commit(ctx, stateWith("c"), "second change", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	newHash, err := repo.Squash(ctx, "main", 2, "agent-0")
	require.NoError(t, err)

	commits, err := repo.Log(ctx, "main", 10)
	require.NoError(t, err)
	require.NotEmpty(t, commits)
	headHash, err := commits[0].Hash()
	require.NoError(t, err)
	assert.Equal(t, newHash, headHash)
	assert.Equal(t, "squash 2 commits: first change; second change", commits[0].Message)
}

func TestGC_DryRunReportsWithoutDeleting(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	stats, err := repo.GC(ctx, GCPolicy{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.ObjectsSwept)
}

func TestStart_ReopeningEncryptedTenantWithoutPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo")

	sealed, err := New(Config{Backend: BackendFile, Path: path, TenantID: "tenant-enc", EncryptionPassphrase: "correct horse"})
	require.NoError(t, err)
	require.NoError(t, sealed.Start(context.Background()))
	_, err = sealed.Commit(context.Background(), stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	require.NoError(t, sealed.Close(context.Background()))

	reopened, err := New(Config{Backend: BackendFile, Path: path, TenantID: "tenant-enc"})
	require.NoError(t, err)
	err = reopened.Start(context.Background())
	var missing *agerr.EncryptionKeyMissingErr
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "tenant-enc", missing.TenantID)
}

func TestStart_FreshEncryptedTenantWithPassphraseRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo")

	sealed, err := New(Config{Backend: BackendFile, Path: path, TenantID: "tenant-enc", EncryptionPassphrase: "correct horse"})
	require.NoError(t, err)
	require.NoError(t, sealed.Start(context.Background()))
	hash, err := sealed.Commit(context.Background(), stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	require.NoError(t, sealed.Close(context.Background()))

	reopened, err := New(Config{Backend: BackendFile, Path: path, TenantID: "tenant-enc", EncryptionPassphrase: "correct horse"})
	require.NoError(t, err)
	require.NoError(t, reopened.Start(context.Background()))
	t.Cleanup(func() { _ = reopened.Close(context.Background()) })

	state, err := reopened.Checkout(context.Background(), hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"a"}`, string(state.WorldState))
}

func TestApplyRetention_TruncatesBranchBeyondMaxCommits(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Commit(ctx, stateWith("a"), "msg", model.ActionToolCall, "agent-0")
		require.NoError(t, err)
	}

	stats, err := repo.ApplyRetention(ctx, RetentionPolicy{MaxCommits: 2}, "agent-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.BranchesTruncated)

	commits, err := repo.Log(ctx, "main", 10)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
}

func TestApplyRetention_LeavesBranchWithinBudgetUntouched(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	stats, err := repo.ApplyRetention(ctx, RetentionPolicy{MaxCommits: 5}, "agent-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.BranchesTruncated)
}

func TestApplyRetention_ProtectsKeepBranchesFromTruncation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Commit(ctx, stateWith("a"), "msg", model.ActionToolCall, "agent-0")
		require.NoError(t, err)
	}

	stats, err := repo.ApplyRetention(ctx, RetentionPolicy{MaxCommits: 2, KeepBranches: []string{"main"}}, "agent-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.BranchesTruncated)

	commits, err := repo.Log(ctx, "main", 10)
	require.NoError(t, err)
	assert.Len(t, commits, 5)
}

func TestApplyRetention_ProtectsKeptBranchFromAgeExpiry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	oldHash, err := repo.Commit(ctx, stateWith("a"), "old", model.ActionToolCall, "agent-0")
	require.NoError(t, err)

	stats, err := repo.ApplyRetention(ctx, RetentionPolicy{MaxAge: time.Nanosecond, KeepBranches: []string{"main"}}, "agent-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.CommitsExpired)

	_, err = repo.Checkout(ctx, oldHash)
	require.NoError(t, err)
}

func TestApplyRetention_DeletesAgedCommitsOnAnUnprotectedBranch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("m"), "root", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "feature", ""))
	_, err = repo.Checkout(ctx, "feature")
	require.NoError(t, err)
	featureHash, err := repo.Commit(ctx, stateWith("a"), "exploratory", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	_, err = repo.Checkout(ctx, "main")
	require.NoError(t, err)

	stats, err := repo.ApplyRetention(ctx, RetentionPolicy{MaxAge: time.Nanosecond, KeepBranches: []string{"main"}}, "agent-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.CommitsExpired)

	_, err = repo.Checkout(ctx, featureHash)
	assert.Error(t, err, "the unprotected branch's sole commit was expired")
}

func TestVerifyChain_PassesAfterNormalActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("a"), "1", model.ActionToolCall, "agent-0")
	require.NoError(t, err)
	require.NoError(t, repo.Branch(ctx, "exploration", ""))

	assert.NoError(t, repo.VerifyChain(ctx))
}

func TestMigrate_CopiesIntoAnotherBackend(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Commit(ctx, stateWith("kitchen"), "root", model.ActionSystemEvent, "agent-0")
	require.NoError(t, err)

	dst := storagetest.New()
	progress, err := repo.Migrate(ctx, dst, migration.Options{})
	require.NoError(t, err)
	assert.True(t, progress.Done)
	assert.Greater(t, progress.ObjectsCopied, uint64(0))
}

func TestHealthcheck_AfterStart(t *testing.T) {
	repo := newTestRepo(t)
	assert.NoError(t, repo.Healthcheck(context.Background()))
}

func TestClose_Idempotent(t *testing.T) {
	dir := t.TempDir()
	repo, err := New(Config{Backend: BackendFile, Path: filepath.Join(dir, "repo"), TenantID: "t"})
	require.NoError(t, err)
	require.NoError(t, repo.Start(context.Background()))
	require.NoError(t, repo.Close(context.Background()))
	require.NoError(t, repo.Close(context.Background()))
}

