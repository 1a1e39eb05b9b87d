package shard

// MergeOrphans implements the "orphan list is superset-safe" invariant
// from spec.md §3 invariant 4: the result may list shards already
// deleted, but never omits a shard known to be unreferenced. It is a
// dedup-preserving-order append of newlyOrphaned onto existing.
func MergeOrphans(existing, newlyOrphaned []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(newlyOrphaned))
	merged := make([]string, 0, len(existing)+len(newlyOrphaned))
	for _, k := range existing {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	for _, k := range newlyOrphaned {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	return merged
}

// RemoveCleared returns existing with every key in cleared removed,
// preserving order — used after orphan shards have been deleted to shrink
// the orphan list back down (spec.md §4.7 save pipeline step 5).
func RemoveCleared(existing, cleared []string) []string {
	clearedSet := make(map[string]struct{}, len(cleared))
	for _, k := range cleared {
		clearedSet[k] = struct{}{}
	}
	remaining := make([]string, 0, len(existing))
	for _, k := range existing {
		if _, ok := clearedSet[k]; ok {
			continue
		}
		remaining = append(remaining, k)
	}
	return remaining
}
