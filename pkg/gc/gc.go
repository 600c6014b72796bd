// Package gc implements mark-sweep garbage collection over the commit
// DAG and squash-based history compaction, grounded on
// agit-core/src/gc.rs's gc() and squash(): roots are every branch tip,
// unconditionally — there is no per-branch exclusion at this layer, a
// branch is either live (kept in full) or already deleted by the time
// GC runs. Every commit reachable from a root through parent links is
// kept; commits a squash has detached from every branch are no longer
// reachable and are swept by the next run.
package gc

import (
	"context"
	"fmt"

	"github.com/EfeDurmaz16/agit/pkg/model"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Stats summarizes one GC run.
type Stats struct {
	ObjectsMarked uint64
	ObjectsSwept  uint64
}

// Options configures a GC run.
type Options struct {
	// KeepLastN is the number of ancestor commits of every root the mark
	// phase keeps. The mark phase already keeps every ancestor reachable
	// through parent links, so this keeps nothing beyond reachability:
	// commits a squash detached from a branch are not reached and are
	// swept whatever KeepLastN is.
	KeepLastN int

	// DryRun, when true, runs the mark phase and reports what the sweep
	// would delete without deleting anything.
	DryRun bool
}

// loadCommit reads and decodes one commit object from the backend.
func loadCommit(ctx context.Context, backend storage.Backend, hash string) (model.Commit, error) {
	raw, err := backend.GetObject(ctx, storage.KindCommit, hash)
	if err != nil {
		return model.Commit{}, err
	}
	c, err := model.DecodeCommit(raw)
	if err != nil {
		return model.Commit{}, fmt.Errorf("gc: decode commit %s: %w", hash, err)
	}
	return c, nil
}

// Run marks every commit and blob reachable from roots (typically every
// branch tip plus a detached HEAD, if any) and deletes everything else,
// per spec.md §4.8's mark-sweep algorithm. The walk follows every parent
// link without a depth bound, so no commit reachable from a root is
// swept.
func Run(ctx context.Context, backend storage.Backend, roots []string, opts Options) (Stats, error) {
	marked := make(map[string]struct{})
	blobsMarked := make(map[string]struct{})

	for _, root := range roots {
		if err := markFromRoot(ctx, backend, root, opts.KeepLastN, marked, blobsMarked); err != nil {
			return Stats{}, err
		}
	}

	var stats Stats
	stats.ObjectsMarked = uint64(len(marked) + len(blobsMarked))

	var sweepErr error
	err := backend.IterateObjects(ctx, storage.KindCommit, func(hash string) error {
		if _, ok := marked[hash]; ok {
			return nil
		}
		if !opts.DryRun {
			if err := backend.DeleteObject(ctx, storage.KindCommit, hash); err != nil {
				sweepErr = err
				return err
			}
		}
		stats.ObjectsSwept++
		return nil
	})
	if err != nil {
		return stats, err
	}
	if sweepErr != nil {
		return stats, sweepErr
	}

	err = backend.IterateObjects(ctx, storage.KindBlob, func(hash string) error {
		if _, ok := blobsMarked[hash]; ok {
			return nil
		}
		if !opts.DryRun {
			if err := backend.DeleteObject(ctx, storage.KindBlob, hash); err != nil {
				return err
			}
		}
		stats.ObjectsSwept++
		return nil
	})
	return stats, err
}

// markFromRoot walks the ancestor chain from root, marking every commit
// and the blob it points to. depth records how far each commit sits from
// root; it does not bound the walk.
func markFromRoot(ctx context.Context, backend storage.Backend, root string, keepLastN int, marked, blobsMarked map[string]struct{}) error {
	if root == "" {
		return nil
	}
	queue := []string{root}
	depth := make(map[string]int, 1)
	depth[root] = 0

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if _, seen := marked[hash]; seen {
			continue
		}
		marked[hash] = struct{}{}

		c, err := loadCommit(ctx, backend, hash)
		if err != nil {
			return fmt.Errorf("gc: load commit %s: %w", hash, err)
		}
		blobsMarked[c.TreeHash] = struct{}{}

		d := depth[hash]
		for _, parent := range c.ParentHashes {
			if _, seen := marked[parent]; seen {
				continue
			}
			depth[parent] = d + 1
			queue = append(queue, parent)
		}
	}
	return nil
}
