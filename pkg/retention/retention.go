// Package retention defines the policy spec.md §4.9 composes on top of
// pkg/gc: age-based commit expiry and per-branch count-based history
// truncation. It is grounded on agit-core/src/retention.rs's
// RetentionPolicy and apply_retention — a branch named in KeepBranches
// is_protected and its full ancestry always survives; everything else
// is weighed against MaxAge. Unlike the Rust version (which only
// reports counts for a caller-driven GC pass to act on), Repository's
// ApplyRetention enacts the sweep directly: it deletes expired commits
// outright and truncates oversized branches by reusing the same squash
// primitive Repository.Squash calls.
package retention

import (
	"time"

	"github.com/EfeDurmaz16/agit/pkg/model"
)

// Policy configures one retention sweep.
type Policy struct {
	// MaxAge, when non-zero, makes a commit eligible for deletion once
	// it is older than this and not reachable from a protected branch.
	MaxAge time.Duration
	// MaxCommits, when non-zero, truncates every unprotected branch's
	// first-parent chain to at most this many commits by squashing the
	// surplus into one.
	MaxCommits int
	// KeepBranches names branches exempt from both MaxAge expiry and
	// MaxCommits truncation. spec.md's RetentionPolicy default keeps
	// "main" protected the way agit-core's Default impl does.
	KeepBranches []string
}

// DefaultPolicy mirrors agit-core's RetentionPolicy::default(): no age
// or count limit, only main protected.
func DefaultPolicy() Policy {
	return Policy{KeepBranches: []string{"main"}}
}

// Protects reports whether branch is exempt from this policy's sweep.
func (p Policy) Protects(branch string) bool {
	for _, name := range p.KeepBranches {
		if name == branch {
			return true
		}
	}
	return false
}

// Keep decides whether commit, reached while walking branch's ancestry,
// survives the age-based half of the sweep.
func (p Policy) Keep(branch string, commit model.Commit, now time.Time) bool {
	if p.Protects(branch) {
		return true
	}
	if p.MaxAge <= 0 {
		return true
	}
	return now.Sub(commit.Timestamp) <= p.MaxAge
}

// Stats summarizes one sweep.
type Stats struct {
	CommitsExpired    uint64
	BranchesTruncated uint64
}
