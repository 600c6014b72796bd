// Package migration copies one tenant's objects, refs, and audit log
// from one storage.Backend to another, grounded on
// agit-core/src/migration.rs's migrate(): list objects at src, skip
// anything has_object already reports at dst, copy the rest, then
// copy refs and the log. The Rust version transfers objects and refs
// sequentially with a progress callback; this port fans the
// object-copy phase out across a worker pool since HasObject/PutObject
// round trips are I/O-bound, while keeping refs and log entries
// sequential to preserve the log's sequence order.
package migration

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Progress reports incremental migration status so a caller can persist
// a resume point and render progress to a user.
type Progress struct {
	ObjectsCopied uint64
	RefsCopied    uint64
	LogCopied     uint64
	Done          bool
}

// Options configures a migration run.
type Options struct {
	// OnProgress, if set, is called after each object/ref/log-entry copy.
	// Returning an error from it aborts the migration. Called from
	// multiple goroutines during the object-copy phase when Concurrency
	// > 1; Progress fields are read under the same lock that increments
	// them, so a single callback invocation always sees a consistent
	// snapshot, but invocations may arrive out of hash-iteration order.
	OnProgress func(Progress) error

	// SkipExisting, when true (the default behavior regardless, since
	// PutObject must already be idempotent), avoids re-transferring
	// bytes for objects HasObject already reports as present at dst —
	// the mechanism that makes a restarted migration resumable.
	SkipExisting bool

	// Concurrency bounds how many objects are read from src and written
	// to dst at once during the object-copy phase. 0 defaults to
	// runtime.NumCPU()*3, sized for I/O-bound backend calls rather than
	// CPU-bound work. Ref and log-entry transfer stay sequential: both
	// are orders of magnitude smaller than the object set and the log
	// phase must preserve sequence order.
	Concurrency int
}

// Copy transfers every object, ref, and log entry for one tenant from
// src to dst. Re-running it after a partial failure is safe for objects
// (HasObject skips anything already transferred) and refs (CAS against
// the value already observed at dst is a no-op write); audit log
// entries are appended unconditionally, so a migration that fails after
// the object/ref phases but partway through the log should resume from
// a caller-tracked log offset rather than calling Copy again from
// scratch.
func Copy(ctx context.Context, src, dst storage.Backend, opts Options) (Progress, error) {
	var progress Progress
	var mu sync.Mutex

	workers := opts.Concurrency
	if workers < 1 {
		workers = runtime.NumCPU() * 3
	}

	for _, kind := range []storage.ObjectKind{storage.KindBlob, storage.KindCommit} {
		hashes, err := collectHashes(ctx, src, kind)
		if err != nil {
			return progress, err
		}

		jobs := make(chan string)
		errs := make(chan error, workers)
		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for hash := range jobs {
					copied, err := copyOneObject(ctx, src, dst, kind, hash)
					if err != nil {
						select {
						case errs <- err:
						default:
						}
						continue
					}
					if !copied {
						continue
					}
					mu.Lock()
					progress.ObjectsCopied++
					snapshot := progress
					mu.Unlock()
					if err := reportProgress(opts, snapshot); err != nil {
						select {
						case errs <- err:
						default:
						}
					}
				}
			}()
		}

	feed:
		for _, hash := range hashes {
			select {
			case jobs <- hash:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()
		close(errs)

		if ctx.Err() != nil {
			return progress, ctx.Err()
		}
		if err, ok := <-errs; ok {
			return progress, err
		}
	}

	refs, err := src.ListRefs(ctx, "")
	if err != nil {
		return progress, fmt.Errorf("migration: list src refs: %w", err)
	}
	for _, ref := range refs {
		value, err := src.GetRef(ctx, ref)
		if err != nil {
			return progress, fmt.Errorf("migration: read src ref %s: %w", ref, err)
		}
		current, err := dst.GetRef(ctx, ref)
		if err != nil {
			current = ""
		}
		if current != value {
			if err := dst.CompareAndSetRef(ctx, ref, current, value); err != nil {
				return progress, fmt.Errorf("migration: write dst ref %s: %w", ref, err)
			}
		}
		progress.RefsCopied++
		if err := reportProgress(opts, progress); err != nil {
			return progress, err
		}
	}

	err = src.ReadLog(ctx, storage.LogFilter{}, func(entry storage.LogEntry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := dst.AppendLog(ctx, entry); err != nil {
			return fmt.Errorf("migration: append log entry %d: %w", entry.Seq, err)
		}
		progress.LogCopied++
		return reportProgress(opts, progress)
	})
	if err != nil {
		return progress, err
	}

	progress.Done = true
	return progress, reportProgress(opts, progress)
}

func collectHashes(ctx context.Context, src storage.Backend, kind storage.ObjectKind) ([]string, error) {
	var hashes []string
	err := src.IterateObjects(ctx, kind, func(hash string) error {
		hashes = append(hashes, hash)
		return nil
	})
	return hashes, err
}

func copyOneObject(ctx context.Context, src, dst storage.Backend, kind storage.ObjectKind, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := dst.HasObject(ctx, kind, hash)
	if err != nil {
		return false, fmt.Errorf("migration: check dst for %s: %w", hash, err)
	}
	if exists {
		return false, nil
	}
	data, err := src.GetObject(ctx, kind, hash)
	if err != nil {
		return false, fmt.Errorf("migration: read src object %s: %w", hash, err)
	}
	if err := dst.PutObject(ctx, kind, hash, data); err != nil {
		return false, fmt.Errorf("migration: write dst object %s: %w", hash, err)
	}
	return true, nil
}

func reportProgress(opts Options, progress Progress) error {
	if opts.OnProgress == nil {
		return nil
	}
	return opts.OnProgress(progress)
}
