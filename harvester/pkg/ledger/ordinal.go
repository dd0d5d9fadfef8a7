package ledger

import "slices"

// EpochOrdinal returns the 1-based position of target among dates sorted
// oldest-first, shifted by the number of epochs already dropped by
// retention. Dates are YYYY-MM-DD so lexical order is chronological. The
// input slice is not modified.
func EpochOrdinal(dates []string, target string, evicted int) (int, bool) {
	sorted := slices.Clone(dates)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	idx, found := slices.BinarySearch(sorted, target)
	if !found {
		return 0, false
	}
	return idx + 1 + evicted, true
}
