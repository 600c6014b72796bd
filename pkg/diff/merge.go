package diff

import "fmt"

// MergeStrategy selects how a three-way merge resolves a divergence that
// cannot be reconciled by simple recursion.
type MergeStrategy string

const (
	// StrategyOurs takes ours verbatim as the merged tree, without
	// looking at base or theirs.
	StrategyOurs MergeStrategy = "ours"
	// StrategyTheirs takes theirs verbatim as the merged tree, without
	// looking at base or ours.
	StrategyTheirs MergeStrategy = "theirs"
	// StrategyThreeWay recurses as far as possible; any remaining
	// divergence keeps ours and is reported as a Conflict.
	StrategyThreeWay MergeStrategy = "three_way"
)

// Conflict records a path where ours and theirs both changed base in
// incompatible ways; StrategyThreeWay kept ours there.
type Conflict struct {
	Path        []string `json:"path"`
	BaseValue   any      `json:"base_value,omitempty"`
	OursValue   any      `json:"ours_value,omitempty"`
	TheirsValue any      `json:"theirs_value,omitempty"`
}

// MergeResult is the outcome of a three-way merge: the merged tree plus
// any unresolved conflicts. Conflicts is empty when every divergence was
// reconciled by recursion or a deterministic strategy.
type MergeResult struct {
	Tree      any
	Conflicts []Conflict
}

// ThreeWayMerge merges ours and theirs against their common base. Under
// StrategyOurs or StrategyTheirs it returns that side's tree verbatim;
// under StrategyThreeWay it applies the outcome table from spec.md §4.6:
//
//   - base, ours and theirs all objects -> recurse key by key
//   - unchanged on both sides -> base value
//   - changed on exactly one side -> that side's value
//   - changed identically on both sides -> either value (they're equal)
//   - changed differently on both sides -> ours, recorded as a Conflict
func ThreeWayMerge(base, ours, theirs any, strategy MergeStrategy) (MergeResult, error) {
	switch strategy {
	case StrategyOurs:
		return MergeResult{Tree: ours}, nil
	case StrategyTheirs:
		return MergeResult{Tree: theirs}, nil
	}
	tree, conflicts, err := mergeNode(nil, base, ours, theirs, strategy)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Tree: tree, Conflicts: conflicts}, nil
}

func mergeNode(path []string, base, ours, theirs any, strategy MergeStrategy) (any, []Conflict, error) {
	baseObj, baseIsObj := base.(map[string]any)
	oursObj, oursIsObj := ours.(map[string]any)
	theirsObj, theirsIsObj := theirs.(map[string]any)

	// Recurse key-by-key only when base, ours, and theirs are all
	// objects. A key absent from base (so base is nil, not an object)
	// that both sides add as differing objects does not qualify: it
	// falls through to the leaf-conflict path below rather than being
	// silently merged field by field.
	if baseIsObj && oursIsObj && theirsIsObj {
		return mergeObjects(path, baseObj, oursObj, theirsObj, strategy)
	}

	oursChanged, err := changed(base, ours)
	if err != nil {
		return nil, nil, err
	}
	theirsChanged, err := changed(base, theirs)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case !oursChanged && !theirsChanged:
		return base, nil, nil
	case oursChanged && !theirsChanged:
		return ours, nil, nil
	case !oursChanged && theirsChanged:
		return theirs, nil, nil
	}

	sameSideValue, err := changed(ours, theirs)
	if err != nil {
		return nil, nil, err
	}
	if !sameSideValue {
		return ours, nil, nil
	}

	return ours, []Conflict{{
		Path:        clonePath(path),
		BaseValue:   base,
		OursValue:   ours,
		TheirsValue: theirs,
	}}, nil
}

func mergeObjects(path []string, base, ours, theirs map[string]any, strategy MergeStrategy) (any, []Conflict, error) {
	seen := make(map[string]struct{}, len(base)+len(ours)+len(theirs))
	for _, m := range []map[string]any{base, ours, theirs} {
		for k := range m {
			seen[k] = struct{}{}
		}
	}

	merged := make(map[string]any)
	var conflicts []Conflict
	for k := range seen {
		childPath := append(append([]string{}, path...), k)
		v, childConflicts, err := mergeNode(childPath, base[k], ours[k], theirs[k], strategy)
		if err != nil {
			return nil, nil, fmt.Errorf("diff: merge %v: %w", childPath, err)
		}
		conflicts = append(conflicts, childConflicts...)
		if v != nil {
			merged[k] = v
		}
	}
	return merged, conflicts, nil
}

func changed(base, value any) (bool, error) {
	equal, err := leafEqual(base, value)
	if err != nil {
		return false, err
	}
	return !equal, nil
}
