package engine

import (
	"path"
	"sort"

	"revaer.io/engine/internal/domain"
)

// resolvePriorities turns a Selection's include/exclude globs and
// explicit per-file priority overrides into one concrete per-file
// priority map over the given file manifest. Matching uses path.Match,
// the same glob primitive the corpus's own rule-matching code
// (trackerrules service) applies to path-shaped patterns.
func resolvePriorities(sel domain.Selection, files []domain.FileRef) map[int]domain.Priority {
	out := make(map[int]domain.Priority, len(files))
	for _, f := range files {
		prio := domain.PriorityNormal
		if len(sel.Include) > 0 && !matchesAny(sel.Include, f.Path) {
			prio = domain.PriorityDoNotDownload
		}
		if matchesAny(sel.Exclude, f.Path) {
			prio = domain.PriorityDoNotDownload
		}
		if sel.SkipFluff && isFluff(f.Path) {
			prio = domain.PriorityDoNotDownload
		}
		out[f.Index] = prio
	}
	for idx, prio := range sel.Priorities {
		out[idx] = prio
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

var fluffPatterns = []string{"*.nfo", "*.txt", "*.jpg", "*.jpeg", "*.png", "*.url", "*.sfv"}

func isFluff(name string) bool {
	return matchesAny(fluffPatterns, name)
}

// diffPriorities compares the priorities the sidecar/selection expects
// against what Files() currently reports, in ascending file-index order
// for a deterministic diff. Used only on restart reconciliation, where a
// mismatch means the library's on-disk state disagrees with what was
// last recorded.
func diffPriorities(expected map[int]domain.Priority, files []domain.FileRef) []domain.PriorityDiff {
	var diffs []domain.PriorityDiff
	byIndex := make(map[int]domain.FileRef, len(files))
	for _, f := range files {
		byIndex[f.Index] = f
	}
	indices := make([]int, 0, len(expected))
	for idx := range expected {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		want := expected[idx]
		f, ok := byIndex[idx]
		if !ok || f.Priority == want {
			continue
		}
		diffs = append(diffs, domain.PriorityDiff{File: idx, Expected: want, Actual: f.Priority})
	}
	return diffs
}
