// Package refs implements the mutable branch namespace and HEAD
// pointer that sit on top of the immutable commit DAG, grounded on the
// Rust reference's ref table (original_source/crates/agit-core/src/refs.rs).
// All persistence is delegated to a storage.Backend; this package only
// holds the naming rules and HEAD state machine.
package refs

import (
	"regexp"

	"github.com/EfeDurmaz16/agit/pkg/agerr"
)

// MainBranch is the default branch created with every fresh repository
// and cannot be deleted.
const MainBranch = "main"

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,254}$`)

// ValidateBranchName enforces spec.md's branch-naming rule: non-empty,
// starts with an alphanumeric, and restricted to a safe character set so
// branch names are always usable as storage keys across all three
// backends without escaping.
func ValidateBranchName(name string) error {
	if !branchNamePattern.MatchString(name) {
		return agerr.InvalidName(name)
	}
	return nil
}

// HeadMode distinguishes an attached HEAD (tracking a branch) from a
// detached HEAD (pinned to a specific commit).
type HeadMode string

const (
	HeadAttached HeadMode = "attached"
	HeadDetached HeadMode = "detached"
)

// Head is the repository's current position: either "follow branch X"
// or "sit at commit H regardless of what any branch points to".
type Head struct {
	Mode   HeadMode
	Branch string // set when Mode == HeadAttached
	Commit string // set when Mode == HeadDetached
}

// Attached reports whether HEAD currently tracks a branch.
func (h Head) Attached() bool { return h.Mode == HeadAttached }

// refKeyPrefix is the storage-key prefix under which branch pointers
// live, namespaced apart from HEAD and from content-addressed objects.
const refKeyPrefix = "refs/heads/"

// HeadKey is the reserved ref key under which the HEAD sentinel is
// stored.
const HeadKey = "HEAD"

// BranchKey returns the storage key for a branch's ref pointer.
func BranchKey(branch string) string { return refKeyPrefix + branch }

// BranchName strips refKeyPrefix from a key returned by ListRefs,
// recovering the branch name.
func BranchName(key string) string { return key[len(refKeyPrefix):] }

// headRefPrefix starts the value stored for HEAD when it is attached to a
// branch, following the "ref:<branch>" convention so a single string
// column/key can represent both HEAD states without a side table.
const headRefPrefix = "ref:"

// EncodeHead renders a Head into the sentinel string a backend stores
// under the reserved "HEAD" key.
func EncodeHead(h Head) string {
	if h.Mode == HeadAttached {
		return headRefPrefix + h.Branch
	}
	return h.Commit
}

// DecodeHead parses the sentinel string back into a Head.
func DecodeHead(raw string) Head {
	if len(raw) > len(headRefPrefix) && raw[:len(headRefPrefix)] == headRefPrefix {
		return Head{Mode: HeadAttached, Branch: raw[len(headRefPrefix):]}
	}
	return Head{Mode: HeadDetached, Commit: raw}
}
