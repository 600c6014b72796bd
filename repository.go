// Package agit is a content-addressed version-control engine for
// autonomous-agent state: JSON-shaped memory and world-state snapshots
// chained into commits, branched, diffed, three-way merged, reverted,
// garbage collected, and logged to a tamper-evident audit trail, over a
// pluggable storage substrate. Repository, constructed from a Config, is
// the orchestrator every other package in this module is wired under.
package agit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
	"github.com/EfeDurmaz16/agit/pkg/audit"
	"github.com/EfeDurmaz16/agit/pkg/diff"
	"github.com/EfeDurmaz16/agit/pkg/encryption"
	"github.com/EfeDurmaz16/agit/pkg/gc"
	"github.com/EfeDurmaz16/agit/pkg/migration"
	"github.com/EfeDurmaz16/agit/pkg/model"
	"github.com/EfeDurmaz16/agit/pkg/refs"
	"github.com/EfeDurmaz16/agit/pkg/retention"
	"github.com/EfeDurmaz16/agit/pkg/storage"
	"github.com/EfeDurmaz16/agit/pkg/storage/blobstore"
	"github.com/EfeDurmaz16/agit/pkg/storage/filestore"
	"github.com/EfeDurmaz16/agit/pkg/storage/relstore"
)

var (
	ErrNotStarted = errors.New("agit: repository not started")
	ErrClosed     = errors.New("agit: repository closed")
)

// Repository is the main handle: one tenant's commit DAG, branch
// namespace, and audit log over a single storage backend. Repository
// owns the backend; the backend owns its connections/files.
type Repository struct {
	config     Config
	instanceID string
	backend    storage.Backend
	auditLog   *audit.Log
	key        *encryption.Key // nil when the tenant has no passphrase configured

	// mu serializes every ref-mutating operation (commit, branch,
	// checkout, merge, revert, squash, gc) against this tenant, matching
	// spec.md §4.8's requirement that GC take a coarse exclusive lock
	// against concurrent commits; outside of GC this is mostly a
	// courtesy since CAS already rejects lost updates, but it keeps
	// HEAD's own read-modify-write from racing with itself.
	mu sync.Mutex

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Repository from config. New performs no I/O; call
// Start before using the repository.
func New(config Config) (*Repository, error) {
	if config.TenantID == "" {
		return nil, fmt.Errorf("agit: Config.TenantID is required")
	}
	config.applyDefaults()

	backend, err := newBackend(config)
	if err != nil {
		return nil, err
	}

	return &Repository{
		config:     config,
		instanceID: uuid.NewString(),
		backend:    backend,
	}, nil
}

func newBackend(config Config) (storage.Backend, error) {
	switch config.Backend {
	case BackendFile:
		if config.Path == "" {
			return nil, fmt.Errorf("agit: Config.Path is required for the file backend")
		}
		return filestore.New(filestore.Config{
			Path:     config.Path,
			TenantID: config.TenantID,
			Logger:   config.Logger,
		})
	case BackendRelational:
		if config.BackendURL == "" {
			return nil, fmt.Errorf("agit: Config.BackendURL is required for the relational backend")
		}
		return relstore.New(relstore.Config{
			DatabaseURL:  config.BackendURL,
			TenantID:     config.TenantID,
			MaxOpenConns: config.PoolMax,
			MaxIdleConns: config.PoolMax,
			ConnLifetime: config.RelationalConnLifetime,
		})
	case BackendBlob:
		if config.BackendURL == "" {
			return nil, fmt.Errorf("agit: Config.BackendURL is required for the blob backend")
		}
		return blobstore.New(blobstore.Config{
			Endpoint:               config.BackendURL,
			AccessKey:              config.MinioAccessKey,
			SecretKey:              config.MinioSecretKey,
			UseSSL:                 config.MinioUseSSL,
			Bucket:                 config.MinioBucket,
			TenantID:               config.TenantID,
			CompressThresholdBytes: config.CompressThresholdBytes,
			NotifyRedisAddr:        config.SQSNotifyURL,
		})
	default:
		return nil, fmt.Errorf("agit: unknown Config.Backend %q", config.Backend)
	}
}

// saltRefKey is the reserved ref key a tenant's encryption salt is
// stored under, namespaced outside refs/heads/ and HEAD so it never
// collides with a branch name.
const saltRefKey = "agit/encryption-salt"

// Start opens the backend and, if a passphrase is configured, derives
// or loads this tenant's encryption key. Safe to call multiple times;
// only the first call has effect.
func (r *Repository) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if err := r.backend.Initialize(ctx); err != nil {
			startErr = fmt.Errorf("agit: initialize backend: %w", err)
			return
		}

		r.auditLog = audit.New(r.backend, r.config.TenantID)

		if r.config.EncryptionPassphrase != "" {
			salt, err := r.loadOrCreateSalt(ctx)
			if err != nil {
				startErr = fmt.Errorf("agit: set up encryption: %w", err)
				return
			}
			r.key = encryption.DeriveKey(r.config.EncryptionPassphrase, salt, encryption.DefaultKDFParams())
		} else if _, err := r.backend.GetRef(ctx, saltRefKey); err == nil {
			// A prior session sealed this tenant's objects and left its
			// salt behind; reopening without a passphrase would read
			// ciphertext back as if it were plaintext.
			startErr = agerr.EncryptionKeyMissing(r.config.TenantID)
			return
		} else if !isNotFound(err) {
			startErr = fmt.Errorf("agit: check encryption salt: %w", err)
			return
		}

		r.started.Store(true)
		r.config.Logger.WithFields(map[string]any{
			"tenant_id":   r.config.TenantID,
			"backend":     r.config.Backend,
			"instance_id": r.instanceID,
		}).Info("agit: repository started")
	})
	return startErr
}

func (r *Repository) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	existing, err := r.backend.GetRef(ctx, saltRefKey)
	if err == nil {
		return decodeHexSalt(existing)
	}
	var notFound *agerr.NotFoundErr
	if !errors.As(err, &notFound) {
		return nil, err
	}

	salt, err := encryption.NewSalt()
	if err != nil {
		return nil, err
	}
	encoded := encodeHexSalt(salt)
	if err := r.backend.CompareAndSetRef(ctx, saltRefKey, "", encoded); err != nil {
		var conflict *agerr.ConflictErr
		if errors.As(err, &conflict) {
			return decodeHexSalt(conflict.Actual)
		}
		return nil, err
	}
	return salt, nil
}

// Close releases the backend's resources and zeroes any derived
// encryption key. Idempotent.
func (r *Repository) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.key != nil {
			_ = r.key.Close()
		}
		if err := r.backend.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("agit: close backend: %w", err))
		}
	})
	return closeErr
}

// Healthcheck reports whether the backend can currently serve reads and
// writes.
func (r *Repository) Healthcheck(ctx context.Context) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	return r.backend.Healthcheck(ctx)
}

func (r *Repository) ensureUsable() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.started.Load() {
		return ErrNotStarted
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *agerr.NotFoundErr
	return errors.As(err, &nf)
}

func isConflict(err error) bool {
	var c *agerr.ConflictErr
	return errors.As(err, &c)
}

// putObject seals data under key (hash) when encryption is configured,
// then writes it through the backend.
func (r *Repository) putObject(ctx context.Context, kind storage.ObjectKind, hash string, data []byte) error {
	if r.key != nil {
		sealed, err := encryption.Seal(data, r.key, hash)
		if err != nil {
			return fmt.Errorf("agit: seal %s: %w", hash, err)
		}
		data = sealed
	}
	return r.backend.PutObject(ctx, kind, hash, data)
}

func (r *Repository) getObject(ctx context.Context, kind storage.ObjectKind, hash string) ([]byte, error) {
	raw, err := r.backend.GetObject(ctx, kind, hash)
	if err != nil {
		return nil, err
	}
	if r.key != nil {
		return encryption.Open(raw, r.key, hash)
	}
	return raw, nil
}

func (r *Repository) loadCommit(ctx context.Context, hash string) (model.Commit, error) {
	raw, err := r.getObject(ctx, storage.KindCommit, hash)
	if err != nil {
		return model.Commit{}, err
	}
	return model.DecodeCommit(raw)
}

func (r *Repository) loadBlob(ctx context.Context, hash string) (model.Blob, error) {
	raw, err := r.getObject(ctx, storage.KindBlob, hash)
	if err != nil {
		return model.Blob{}, err
	}
	return model.DecodeBlob(raw)
}

func (r *Repository) loadState(ctx context.Context, commitHash string) (model.AgentState, error) {
	commit, err := r.loadCommit(ctx, commitHash)
	if err != nil {
		return model.AgentState{}, err
	}
	blob, err := r.loadBlob(ctx, commit.TreeHash)
	if err != nil {
		return model.AgentState{}, err
	}
	return blob.State, nil
}

// currentHead reads HEAD, defaulting to an attached-to-main state for a
// repository that has never committed (the main branch itself is
// auto-created lazily, by the first commit, per spec.md §3).
func (r *Repository) currentHead(ctx context.Context) (refs.Head, error) {
	raw, err := r.backend.GetRef(ctx, refs.HeadKey)
	if err != nil {
		if isNotFound(err) {
			return refs.Head{Mode: refs.HeadAttached, Branch: refs.MainBranch}, nil
		}
		return refs.Head{}, err
	}
	return refs.DecodeHead(raw), nil
}

// headCommitHash resolves head to a commit hash, returning "" (not an
// error) when the position exists but has no commits yet.
func (r *Repository) headCommitHash(ctx context.Context, head refs.Head) (string, error) {
	if !head.Attached() {
		return head.Commit, nil
	}
	hash, err := r.backend.GetRef(ctx, refs.BranchKey(head.Branch))
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

// resolveTarget resolves target first as a branch name, then as a full
// commit hash, per spec.md §4.5's checkout resolution order.
func (r *Repository) resolveTarget(ctx context.Context, target string) (string, error) {
	hash, err := r.backend.GetRef(ctx, refs.BranchKey(target))
	if err == nil {
		return hash, nil
	}
	if !isNotFound(err) {
		return "", err
	}
	exists, err := r.backend.HasObject(ctx, storage.KindCommit, target)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", agerr.NotFound(target)
	}
	return target, nil
}

// setHead overwrites HEAD to h with a best-effort CAS against whatever
// value was last observed; callers that need stronger ordering
// guarantees hold r.mu for the duration of the surrounding operation.
func (r *Repository) setHead(ctx context.Context, h refs.Head) error {
	current, err := r.backend.GetRef(ctx, refs.HeadKey)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		current = ""
	}
	return r.backend.CompareAndSetRef(ctx, refs.HeadKey, current, refs.EncodeHead(h))
}

// Commit canonicalizes state into a blob, builds a commit on top of the
// current HEAD, advances the current branch (or detached HEAD) with a
// CAS, and appends an audit entry. Implements spec.md §4.7's commit.
func (r *Repository) Commit(ctx context.Context, state model.AgentState, message string, actionType model.ActionType, author string) (string, error) {
	if err := r.ensureUsable(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	headRaw, err := r.backend.GetRef(ctx, refs.HeadKey)
	headExisted := true
	var head refs.Head
	switch {
	case err == nil:
		head = refs.DecodeHead(headRaw)
	case isNotFound(err):
		headExisted = false
		head = refs.Head{Mode: refs.HeadAttached, Branch: refs.MainBranch}
	default:
		return "", err
	}

	parentHash, err := r.headCommitHash(ctx, head)
	if err != nil {
		return "", err
	}

	blob := model.Blob{State: state}
	blobHash, err := blob.Hash()
	if err != nil {
		return "", fmt.Errorf("agit: hash state: %w", err)
	}
	blobBytes, err := blob.Canonical()
	if err != nil {
		return "", fmt.Errorf("agit: canonicalize state: %w", err)
	}
	if err := r.putObject(ctx, storage.KindBlob, blobHash, blobBytes); err != nil {
		return "", fmt.Errorf("agit: write blob: %w", err)
	}

	var parents []string
	if parentHash != "" {
		parents = []string{parentHash}
	}
	now := time.Now().UTC()
	commit := model.Commit{
		TreeHash:     blobHash,
		ParentHashes: parents,
		Message:      message,
		Author:       author,
		Timestamp:    now,
		ActionType:   actionType,
	}
	commitHash, err := commit.Hash()
	if err != nil {
		return "", fmt.Errorf("agit: hash commit: %w", err)
	}
	commitBytes, err := commit.Canonical()
	if err != nil {
		return "", fmt.Errorf("agit: canonicalize commit: %w", err)
	}
	if err := r.putObject(ctx, storage.KindCommit, commitHash, commitBytes); err != nil {
		return "", fmt.Errorf("agit: write commit: %w", err)
	}

	if head.Attached() {
		if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(head.Branch), parentHash, commitHash); err != nil {
			return "", err
		}
		if !headExisted {
			if err := r.backend.CompareAndSetRef(ctx, refs.HeadKey, "", refs.EncodeHead(head)); err != nil && !isConflict(err) {
				return "", err
			}
		}
	} else {
		if err := r.backend.CompareAndSetRef(ctx, refs.HeadKey, refs.EncodeHead(head), refs.EncodeHead(refs.Head{Mode: refs.HeadDetached, Commit: commitHash})); err != nil {
			return "", err
		}
	}

	if _, err := r.auditLog.Append(ctx, "commit", author, commitHash, nil, now); err != nil {
		return "", fmt.Errorf("agit: append audit entry: %w", err)
	}
	return commitHash, nil
}

// Branch creates name pointing at from (default HEAD), resolved first
// as a branch then as a commit hash.
func (r *Repository) Branch(ctx context.Context, name, from string) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	if err := refs.ValidateBranchName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var sourceHash string
	var err error
	if from == "" {
		head, herr := r.currentHead(ctx)
		if herr != nil {
			return herr
		}
		sourceHash, err = r.headCommitHash(ctx, head)
	} else {
		sourceHash, err = r.resolveTarget(ctx, from)
	}
	if err != nil {
		return err
	}
	if sourceHash == "" {
		return agerr.NotFound(from)
	}

	if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(name), "", sourceHash); err != nil {
		if isConflict(err) {
			return agerr.AlreadyExists(name)
		}
		return err
	}
	_, err = r.auditLog.Append(ctx, "branch", "", sourceHash, map[string]string{"branch": name}, time.Now().UTC())
	return err
}

// DeleteBranch removes name outright. Refuses to delete main and refuses
// to delete the branch HEAD currently tracks.
func (r *Repository) DeleteBranch(ctx context.Context, name string) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == refs.MainBranch {
		return fmt.Errorf("agit: cannot delete branch %q", refs.MainBranch)
	}

	head, err := r.currentHead(ctx)
	if err != nil {
		return err
	}
	if head.Attached() && head.Branch == name {
		return fmt.Errorf("agit: cannot delete the currently attached branch %q", name)
	}
	if _, err := r.backend.GetRef(ctx, refs.BranchKey(name)); err != nil {
		if isNotFound(err) {
			return agerr.BranchNotFound(name)
		}
		return err
	}
	return r.backend.DeleteRef(ctx, refs.BranchKey(name))
}

// Checkout resolves target (branch, then commit hash), moves HEAD to
// it, and returns the state at that position.
func (r *Repository) Checkout(ctx context.Context, target string) (model.AgentState, error) {
	if err := r.ensureUsable(); err != nil {
		return model.AgentState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var newHead refs.Head
	hash, err := r.backend.GetRef(ctx, refs.BranchKey(target))
	switch {
	case err == nil:
		newHead = refs.Head{Mode: refs.HeadAttached, Branch: target}
	case isNotFound(err):
		exists, herr := r.backend.HasObject(ctx, storage.KindCommit, target)
		if herr != nil {
			return model.AgentState{}, herr
		}
		if !exists {
			return model.AgentState{}, agerr.NotFound(target)
		}
		hash = target
		newHead = refs.Head{Mode: refs.HeadDetached, Commit: hash}
	default:
		return model.AgentState{}, err
	}

	if err := r.setHead(ctx, newHead); err != nil {
		return model.AgentState{}, err
	}
	return r.loadState(ctx, hash)
}

// Diff loads the states at baseTarget and targetTarget and returns
// their structural diff.
func (r *Repository) Diff(ctx context.Context, baseTarget, targetTarget string) (diff.StateDiff, error) {
	if err := r.ensureUsable(); err != nil {
		return diff.StateDiff{}, err
	}

	baseHash, err := r.resolveTarget(ctx, baseTarget)
	if err != nil {
		return diff.StateDiff{}, err
	}
	targetHash, err := r.resolveTarget(ctx, targetTarget)
	if err != nil {
		return diff.StateDiff{}, err
	}

	baseTree, err := r.stateTree(ctx, baseHash)
	if err != nil {
		return diff.StateDiff{}, err
	}
	targetTree, err := r.stateTree(ctx, targetHash)
	if err != nil {
		return diff.StateDiff{}, err
	}
	return diff.Diff(baseHash, targetHash, baseTree, targetTree)
}

func (r *Repository) stateTree(ctx context.Context, commitHash string) (map[string]any, error) {
	state, err := r.loadState(ctx, commitHash)
	if err != nil {
		return nil, err
	}
	return model.Blob{State: state}.Tree()
}

// mergeBase finds the lowest common ancestor of a and b by alternating
// breadth-first steps from each side, per spec.md §4.6, bounded by
// config.MergeBaseDepthLimit ancestors per side.
func (r *Repository) mergeBase(ctx context.Context, a, b string) (string, error) {
	if a == b {
		return a, nil
	}
	limit := r.config.MergeBaseDepthLimit

	visitedA := map[string]struct{}{a: {}}
	visitedB := map[string]struct{}{b: {}}
	queueA := []string{a}
	queueB := []string{b}
	steps := 0

	for len(queueA) > 0 || len(queueB) > 0 {
		if steps > limit {
			return "", agerr.DepthLimitExceeded(limit)
		}
		steps++

		if len(queueA) > 0 {
			cur := queueA[0]
			queueA = queueA[1:]
			if _, ok := visitedB[cur]; ok {
				return cur, nil
			}
			c, err := r.loadCommit(ctx, cur)
			if err != nil {
				return "", err
			}
			for _, p := range c.ParentHashes {
				if _, seen := visitedA[p]; !seen {
					visitedA[p] = struct{}{}
					queueA = append(queueA, p)
				}
			}
		}
		if len(queueB) > 0 {
			cur := queueB[0]
			queueB = queueB[1:]
			if _, ok := visitedA[cur]; ok {
				return cur, nil
			}
			c, err := r.loadCommit(ctx, cur)
			if err != nil {
				return "", err
			}
			for _, p := range c.ParentHashes {
				if _, seen := visitedB[p]; !seen {
					visitedB[p] = struct{}{}
					queueB = append(queueB, p)
				}
			}
		}
	}
	return "", agerr.NotFound("")
}

// Merge resolves branch's tip as theirs, ours as the current attached
// branch's tip, computes their merge base, runs a three-way merge, and
// commits the result with two parents and action_type=merge.
func (r *Repository) Merge(ctx context.Context, branch string, strategy diff.MergeStrategy, author string) (string, error) {
	if err := r.ensureUsable(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.currentHead(ctx)
	if err != nil {
		return "", err
	}
	if !head.Attached() {
		return "", agerr.DetachedHead()
	}
	oursHash, err := r.headCommitHash(ctx, head)
	if err != nil {
		return "", err
	}
	if oursHash == "" {
		return "", agerr.NotFound("HEAD")
	}

	theirsHash, err := r.backend.GetRef(ctx, refs.BranchKey(branch))
	if err != nil {
		if isNotFound(err) {
			return "", agerr.BranchNotFound(branch)
		}
		return "", err
	}

	baseHash, err := r.mergeBase(ctx, oursHash, theirsHash)
	if err != nil {
		return "", err
	}

	baseTree, err := r.stateTree(ctx, baseHash)
	if err != nil {
		return "", err
	}
	oursTree, err := r.stateTree(ctx, oursHash)
	if err != nil {
		return "", err
	}
	theirsTree, err := r.stateTree(ctx, theirsHash)
	if err != nil {
		return "", err
	}

	result, err := diff.ThreeWayMerge(baseTree, oursTree, theirsTree, strategy)
	if err != nil {
		return "", err
	}
	mergedState, err := model.StateFromTree(result.Tree)
	if err != nil {
		return "", err
	}

	blob := model.Blob{State: mergedState}
	blobHash, err := blob.Hash()
	if err != nil {
		return "", err
	}
	blobBytes, err := blob.Canonical()
	if err != nil {
		return "", err
	}
	if err := r.putObject(ctx, storage.KindBlob, blobHash, blobBytes); err != nil {
		return "", err
	}

	metaBytes, err := marshalConflicts(result.Conflicts)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	commit := model.Commit{
		TreeHash:     blobHash,
		ParentHashes: []string{oursHash, theirsHash},
		Message:      fmt.Sprintf("merge branch %q", branch),
		Author:       author,
		Timestamp:    now,
		ActionType:   model.ActionMerge,
		Metadata:     metaBytes,
	}
	commitHash, err := commit.Hash()
	if err != nil {
		return "", err
	}
	commitBytes, err := commit.Canonical()
	if err != nil {
		return "", err
	}
	if err := r.putObject(ctx, storage.KindCommit, commitHash, commitBytes); err != nil {
		return "", err
	}

	if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(head.Branch), oursHash, commitHash); err != nil {
		return "", err
	}
	if _, err := r.auditLog.Append(ctx, "merge", author, commitHash, map[string]any{"branch": branch, "conflicts": len(result.Conflicts)}, now); err != nil {
		return "", err
	}
	return commitHash, nil
}

// Revert loads the state at target and commits it on top of the current
// HEAD as a new commit, never rewriting history.
func (r *Repository) Revert(ctx context.Context, target, actor string) (model.AgentState, error) {
	if err := r.ensureUsable(); err != nil {
		return model.AgentState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	targetHash, err := r.resolveTarget(ctx, target)
	if err != nil {
		return model.AgentState{}, err
	}
	targetState, err := r.loadState(ctx, targetHash)
	if err != nil {
		return model.AgentState{}, err
	}

	headRaw, err := r.backend.GetRef(ctx, refs.HeadKey)
	headExisted := true
	var head refs.Head
	switch {
	case err == nil:
		head = refs.DecodeHead(headRaw)
	case isNotFound(err):
		headExisted = false
		head = refs.Head{Mode: refs.HeadAttached, Branch: refs.MainBranch}
	default:
		return model.AgentState{}, err
	}
	currentHash, err := r.headCommitHash(ctx, head)
	if err != nil {
		return model.AgentState{}, err
	}

	blob := model.Blob{State: targetState}
	blobHash, err := blob.Hash()
	if err != nil {
		return model.AgentState{}, err
	}
	blobBytes, err := blob.Canonical()
	if err != nil {
		return model.AgentState{}, err
	}
	if err := r.putObject(ctx, storage.KindBlob, blobHash, blobBytes); err != nil {
		return model.AgentState{}, err
	}

	var parents []string
	if currentHash != "" {
		parents = []string{currentHash}
	}
	now := time.Now().UTC()
	commit := model.Commit{
		TreeHash:     blobHash,
		ParentHashes: parents,
		Message:      fmt.Sprintf("revert to %s", targetHash),
		Author:       actor,
		Timestamp:    now,
		ActionType:   model.ActionRollback,
	}
	commitHash, err := commit.Hash()
	if err != nil {
		return model.AgentState{}, err
	}
	commitBytes, err := commit.Canonical()
	if err != nil {
		return model.AgentState{}, err
	}
	if err := r.putObject(ctx, storage.KindCommit, commitHash, commitBytes); err != nil {
		return model.AgentState{}, err
	}

	if head.Attached() {
		if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(head.Branch), currentHash, commitHash); err != nil {
			return model.AgentState{}, err
		}
		if !headExisted {
			if err := r.backend.CompareAndSetRef(ctx, refs.HeadKey, "", refs.EncodeHead(head)); err != nil && !isConflict(err) {
				return model.AgentState{}, err
			}
		}
	} else {
		if err := r.backend.CompareAndSetRef(ctx, refs.HeadKey, refs.EncodeHead(head), refs.EncodeHead(refs.Head{Mode: refs.HeadDetached, Commit: commitHash})); err != nil {
			return model.AgentState{}, err
		}
	}

	if _, err := r.auditLog.Append(ctx, "revert", actor, commitHash, map[string]string{"reverted_to": targetHash}, now); err != nil {
		return model.AgentState{}, err
	}
	return targetState, nil
}

// Log returns commits reachable from branch's tip (default HEAD),
// visited at most once, sorted descending by timestamp, bounded by
// limit (default Config.LogLimitDefault).
func (r *Repository) Log(ctx context.Context, branch string, limit int) ([]model.Commit, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.config.LogLimitDefault
	}

	var tipHash string
	if branch == "" {
		head, err := r.currentHead(ctx)
		if err != nil {
			return nil, err
		}
		tipHash, err = r.headCommitHash(ctx, head)
		if err != nil {
			return nil, err
		}
	} else {
		hash, err := r.backend.GetRef(ctx, refs.BranchKey(branch))
		if err != nil {
			if isNotFound(err) {
				return nil, agerr.BranchNotFound(branch)
			}
			return nil, err
		}
		tipHash = hash
	}
	if tipHash == "" {
		return nil, nil
	}

	visited := map[string]struct{}{}
	queue := []string{tipHash}
	var commits []model.Commit
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, seen := visited[h]; seen {
			continue
		}
		visited[h] = struct{}{}
		c, err := r.loadCommit(ctx, h)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
		queue = append(queue, c.ParentHashes...)
	}

	sort.Slice(commits, func(i, j int) bool { return commits[i].Timestamp.After(commits[j].Timestamp) })
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

// Status is the snapshot spec.md §4.7's status() returns.
type Status struct {
	Head          refs.Head
	CurrentBranch string
	Branches      map[string]string
}

// Status reports HEAD, the currently attached branch (empty when
// detached), and every branch's current tip.
func (r *Repository) Status(ctx context.Context) (Status, error) {
	if err := r.ensureUsable(); err != nil {
		return Status{}, err
	}

	head, err := r.currentHead(ctx)
	if err != nil {
		return Status{}, err
	}
	keys, err := r.backend.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return Status{}, err
	}
	branches := make(map[string]string, len(keys))
	for _, key := range keys {
		hash, err := r.backend.GetRef(ctx, key)
		if err != nil {
			continue
		}
		branches[refs.BranchName(key)] = hash
	}

	current := ""
	if head.Attached() {
		current = head.Branch
	}
	return Status{Head: head, CurrentBranch: current, Branches: branches}, nil
}

// GCPolicy configures a GC run per spec.md §4.8's {keep_last_n, dry_run}
// options. GC's roots are always every branch tip, unconditionally — a
// branch is either live (and everything it reaches is kept) or deleted
// (and DeleteBranch already dropped its ref); there is no partial
// exclusion at the GC layer. Pruning specific branches' history ahead
// of full unreachability is ApplyRetention's job, not GC's.
type GCPolicy struct {
	KeepLastN int
	DryRun    bool
}

// GC marks every commit/blob reachable from every branch tip (plus a
// detached HEAD, if any) and sweeps everything else.
func (r *Repository) GC(ctx context.Context, policy GCPolicy) (gc.Stats, error) {
	if err := r.ensureUsable(); err != nil {
		return gc.Stats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.backend.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return gc.Stats{}, err
	}
	var roots []string
	for _, key := range keys {
		hash, err := r.backend.GetRef(ctx, key)
		if err != nil || hash == "" {
			continue
		}
		roots = append(roots, hash)
	}

	head, err := r.currentHead(ctx)
	if err != nil {
		return gc.Stats{}, err
	}
	if !head.Attached() && head.Commit != "" {
		roots = append(roots, head.Commit)
	}

	stats, err := gc.Run(ctx, r.backend, roots, gc.Options{KeepLastN: policy.KeepLastN, DryRun: policy.DryRun})
	if err != nil {
		return stats, err
	}
	if _, aerr := r.auditLog.Append(ctx, "gc", "", "", stats, time.Now().UTC()); aerr != nil {
		return stats, aerr
	}
	return stats, nil
}

// Squash collapses branch's last n commits (first-parent chain from its
// tip) into a single new commit and advances the branch to it.
func (r *Repository) Squash(ctx context.Context, branch string, n int, author string) (string, error) {
	if err := r.ensureUsable(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tipHash, err := r.backend.GetRef(ctx, refs.BranchKey(branch))
	if err != nil {
		if isNotFound(err) {
			return "", agerr.BranchNotFound(branch)
		}
		return "", err
	}

	baseHash := ""
	cur := tipHash
	for i := 0; i < n && cur != ""; i++ {
		c, err := r.loadCommit(ctx, cur)
		if err != nil {
			return "", err
		}
		if len(c.ParentHashes) == 0 {
			cur = ""
			break
		}
		cur = c.ParentHashes[0]
	}
	baseHash = cur

	now := time.Now().UTC()
	newHash, err := gc.Squash(ctx, r.backend, tipHash, baseHash, author, now)
	if err != nil {
		return "", err
	}
	if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(branch), tipHash, newHash); err != nil {
		return "", err
	}
	if _, err := r.auditLog.Append(ctx, "squash", author, newHash, map[string]string{"branch": branch}, now); err != nil {
		return "", err
	}
	return newHash, nil
}

// RetentionPolicy is the Repository-level alias for retention.Policy so
// callers of this package don't need a second import for the common
// case.
type RetentionPolicy = retention.Policy

// ApplyRetention sweeps every branch against policy, per spec.md §4.9.
// Commits older than MaxAge that aren't reachable from a branch named
// in KeepBranches are deleted outright; any other branch whose
// first-parent chain exceeds MaxCommits is truncated by squashing its
// surplus into one commit, the same way Squash does. Both halves are
// idempotent — an already-deleted commit or an already-short branch is
// left untouched — so re-running ApplyRetention after a partial
// failure is safe.
func (r *Repository) ApplyRetention(ctx context.Context, policy RetentionPolicy, author string) (retention.Stats, error) {
	if err := r.ensureUsable(); err != nil {
		return retention.Stats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var stats retention.Stats

	keys, err := r.backend.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return stats, err
	}
	branches := make(map[string]string, len(keys))
	for _, key := range keys {
		hash, err := r.backend.GetRef(ctx, key)
		if err != nil || hash == "" {
			continue
		}
		branches[refs.BranchName(key)] = hash
	}

	if policy.MaxAge > 0 {
		expired, err := r.collectExpired(ctx, branches, policy, now)
		if err != nil {
			return stats, err
		}
		for _, hash := range expired {
			if err := r.backend.DeleteObject(ctx, storage.KindCommit, hash); err != nil && !isNotFound(err) {
				return stats, err
			}
		}
		stats.CommitsExpired = uint64(len(expired))
	}

	if policy.MaxCommits > 0 {
		names := make([]string, 0, len(branches))
		for name := range branches {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if policy.Protects(name) {
				continue
			}
			truncated, err := r.truncateBranch(ctx, name, branches[name], policy.MaxCommits, author, now)
			if err != nil {
				return stats, err
			}
			if truncated {
				stats.BranchesTruncated++
			}
		}
	}

	if _, err := r.auditLog.Append(ctx, "retention", author, "", stats, now); err != nil {
		return stats, err
	}
	return stats, nil
}

// collectExpired walks every branch's full ancestry (every parent, not
// just first-parent, since a merge commit fans out) and returns the
// commit hashes policy marks for deletion that no branch's walk also
// retained — a commit reachable from both a protected and an expiring
// branch survives.
func (r *Repository) collectExpired(ctx context.Context, branches map[string]string, policy retention.Policy, now time.Time) ([]string, error) {
	retained := make(map[string]struct{})
	candidates := make(map[string]struct{})

	for branch, tip := range branches {
		visited := make(map[string]struct{})
		queue := []string{tip}
		for len(queue) > 0 {
			hash := queue[0]
			queue = queue[1:]
			if hash == "" {
				continue
			}
			if _, ok := visited[hash]; ok {
				continue
			}
			visited[hash] = struct{}{}

			commit, err := r.loadCommit(ctx, hash)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, err
			}
			if policy.Keep(branch, commit, now) {
				retained[hash] = struct{}{}
			} else {
				candidates[hash] = struct{}{}
			}
			queue = append(queue, commit.ParentHashes...)
		}
	}

	var expired []string
	for hash := range candidates {
		if _, ok := retained[hash]; !ok {
			expired = append(expired, hash)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// truncateBranch squashes branch's newest commits, from tip down, into
// one so its first-parent chain drops to maxCommits; the oldest
// maxCommits-1 commits are kept unchanged beneath the squash commit.
// Advances the ref with a CAS from tip. Returns false without modifying
// anything if the branch is already within budget.
func (r *Repository) truncateBranch(ctx context.Context, branch, tip string, maxCommits int, author string, now time.Time) (bool, error) {
	hashes := []string{tip}
	cur := tip
	for {
		c, err := r.loadCommit(ctx, cur)
		if err != nil {
			return false, err
		}
		if len(c.ParentHashes) == 0 {
			break
		}
		cur = c.ParentHashes[0]
		hashes = append(hashes, cur)
	}
	if len(hashes) <= maxCommits {
		return false, nil
	}

	n := len(hashes) - maxCommits + 1
	base := ""
	if n < len(hashes) {
		base = hashes[n]
	}

	newHash, err := gc.Squash(ctx, r.backend, tip, base, author, now)
	if err != nil {
		return false, err
	}
	if err := r.backend.CompareAndSetRef(ctx, refs.BranchKey(branch), tip, newHash); err != nil {
		return false, err
	}
	return true, nil
}

// Migrate copies every object, ref, and audit log entry from this
// repository's backend to dst.
func (r *Repository) Migrate(ctx context.Context, dst storage.Backend, opts migration.Options) (migration.Progress, error) {
	if err := r.ensureUsable(); err != nil {
		return migration.Progress{}, err
	}
	progress, err := migration.Copy(ctx, r.backend, dst, opts)
	if aerr := r.recordMigration(ctx, progress); aerr != nil && err == nil {
		err = aerr
	}
	return progress, err
}

func (r *Repository) recordMigration(ctx context.Context, progress migration.Progress) error {
	_, err := r.auditLog.Append(ctx, "migrate", "", "", progress, time.Now().UTC())
	return err
}

// VerifyChain walks the audit log and confirms every self_hash/prev_hash
// link is intact, returning agerr.ChainBrokenErr at the first break.
func (r *Repository) VerifyChain(ctx context.Context) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	return r.auditLog.VerifyChain(ctx)
}

// AuditLog exposes the underlying audit log for direct queries (e.g. a
// caller paging through entries with a LogFilter).
func (r *Repository) AuditLog() *audit.Log {
	return r.auditLog
}

func marshalConflicts(conflicts []diff.Conflict) ([]byte, error) {
	if len(conflicts) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{"conflicts": conflicts})
}

func encodeHexSalt(salt []byte) string { return hex.EncodeToString(salt) }

func decodeHexSalt(encoded string) ([]byte, error) {
	salt, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("agit: decode stored salt: %w", err)
	}
	return salt, nil
}
