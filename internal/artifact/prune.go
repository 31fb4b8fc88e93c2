package artifact

import (
	"os"
	"sort"
	"time"

	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
)

// PruneEntry identifies one thumbnail flagged for removal.
type PruneEntry struct {
	Original    string
	Size        string
	Path        string
	LastTouched time.Time
	Bytes       int64
}

// PrunePlan is a side-effect-free eviction decision: the ordered entries
// whose removal brings the cache at or under the byte target. Computing
// the plan separately from applying it keeps the decision testable in
// isolation from filesystem mutation.
type PrunePlan struct {
	Entries     []PruneEntry
	TotalBytes  int64
	TargetBytes int64
}

// Empty reports whether the plan selects nothing.
func (p PrunePlan) Empty() bool {
	return len(p.Entries) == 0
}

// PlannedBytes is the cumulative size of all selected entries.
func (p PrunePlan) PlannedBytes() int64 {
	var sum int64
	for _, e := range p.Entries {
		sum += e.Bytes
	}
	return sum
}

// PlanPrune builds an eviction plan against maxBytes. Candidates are
// ordered oldest-touched first with a smallest-first tie-break, and the
// shortest prefix that satisfies the budget is selected. Entries whose
// original matches the excluding predicate are never candidates but still
// count toward the total.
func (s *Store) PlanPrune(maxBytes int64, excluding func(original string) bool) PrunePlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []PruneEntry
	var total int64

	for original, rec := range s.byPath {
		for size, path := range rec.Thumbnails {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			total += info.Size()
			if excluding != nil && excluding(original) {
				continue
			}
			candidates = append(candidates, PruneEntry{
				Original:    original,
				Size:        size,
				Path:        path,
				LastTouched: info.ModTime(),
				Bytes:       info.Size(),
			})
		}
	}

	plan := PrunePlan{TotalBytes: total, TargetBytes: maxBytes}
	if total <= maxBytes {
		return plan
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastTouched.Equal(candidates[j].LastTouched) {
			return candidates[i].LastTouched.Before(candidates[j].LastTouched)
		}
		return candidates[i].Bytes < candidates[j].Bytes
	})

	remaining := total
	for _, entry := range candidates {
		if remaining <= maxBytes {
			break
		}
		plan.Entries = append(plan.Entries, entry)
		remaining -= entry.Bytes
	}
	return plan
}

// ApplyPrune removes the planned entries from the index. The caller owns
// deletion of the backing files (before or after this call). An entry is
// skipped if its size key no longer maps to the planned path, which
// guards against double counting when a regeneration raced the plan.
// A record left with no sidecar and no thumbnails is removed entirely.
func (s *Store) ApplyPrune(entries []PruneEntry) (removed int, freedBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		rec, ok := s.byPath[entry.Original]
		if !ok {
			continue
		}
		if rec.Thumbnails[entry.Size] != entry.Path {
			continue
		}
		delete(rec.Thumbnails, entry.Size)
		touch(rec)
		removed++
		freedBytes += entry.Bytes

		if rec.SidecarPath == "" && len(rec.Thumbnails) == 0 {
			delete(s.byPath, entry.Original)
		}
	}

	if removed > 0 {
		s.writer.Kick()
		metrics.CachePruneRunsTotal.Inc()
		metrics.CachePrunedBytesTotal.Add(float64(freedBytes))
		logging.Info("Cache prune applied: %d thumbnails, %d bytes freed", removed, freedBytes)
	}
	return removed, freedBytes
}
