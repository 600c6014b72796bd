package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EfeDurmaz16/agit/pkg/model"
	"github.com/EfeDurmaz16/agit/pkg/storage"
)

// Squash collapses the linear ancestor chain from tip back to (and
// excluding) base into a single new commit carrying tip's tree, so a
// branch's history compacts to one commit per spec.md §4.8's squash
// operation. base must be an ancestor of tip or an error is returned.
// The new commit's single parent is base; its message concatenates the
// squashed commits' messages, oldest first, and its metadata records
// the range it replaces so audit consumers can reconstruct what was
// compacted away.
func Squash(ctx context.Context, backend storage.Backend, tip, base, author string, now time.Time) (string, error) {
	tipCommit, err := loadCommit(ctx, backend, tip)
	if err != nil {
		return "", fmt.Errorf("gc: squash load tip: %w", err)
	}

	squashed, messages, err := collectRange(ctx, backend, tip, base)
	if err != nil {
		return "", err
	}

	metaBytes := mustMarshalMeta(squashed)
	newCommit := model.Commit{
		TreeHash:     tipCommit.TreeHash,
		ParentHashes: nonEmptyParents(base),
		Message:      joinSquashedMessages(messages),
		Author:       author,
		Timestamp:    now,
		ActionType:   model.ActionSquash,
		Metadata:     metaBytes,
	}

	hash, err := newCommit.Hash()
	if err != nil {
		return "", fmt.Errorf("gc: hash squashed commit: %w", err)
	}
	canonical, err := newCommit.Canonical()
	if err != nil {
		return "", fmt.Errorf("gc: canonicalize squashed commit: %w", err)
	}
	if err := backend.PutObject(ctx, storage.KindCommit, hash, canonical); err != nil {
		return "", fmt.Errorf("gc: store squashed commit: %w", err)
	}
	return hash, nil
}

func nonEmptyParents(base string) []string {
	if base == "" {
		return nil
	}
	return []string{base}
}

// collectRange walks tip's first-parent chain down to (not including)
// base, returning the hashes it passed through (newest first) alongside
// their commit messages (oldest first, the order they should be
// concatenated in). Returns an error if base is never reached (not a
// true ancestor of tip via first-parent links).
func collectRange(ctx context.Context, backend storage.Backend, tip, base string) ([]string, []string, error) {
	var hashes []string
	var messages []string
	current := tip
	for current != "" && current != base {
		c, err := loadCommit(ctx, backend, current)
		if err != nil {
			return nil, nil, fmt.Errorf("gc: squash walk: %w", err)
		}
		hashes = append(hashes, current)
		messages = append(messages, c.Message)
		if len(c.ParentHashes) == 0 {
			if base == "" {
				reverse(messages)
				return hashes, messages, nil
			}
			return nil, nil, fmt.Errorf("gc: squash: base %s is not an ancestor of %s", base, tip)
		}
		current = c.ParentHashes[0]
	}
	reverse(messages)
	return hashes, messages, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// joinSquashedMessages builds the new commit's message from the
// squashed commits' messages, oldest first.
func joinSquashedMessages(messages []string) string {
	return fmt.Sprintf("squash %d commits: %s", len(messages), strings.Join(messages, "; "))
}

func mustMarshalMeta(squashedHashes []string) []byte {
	b, _ := json.Marshal(map[string]any{"squashed_commits": squashedHashes})
	return b
}
