package wayback

import "github.com/JakeFAU/resilient-fetch/internal/fetch"

// SelectCandidates picks which captures to try from a timestamp-ascending
// list: newest, oldest, then the quartile points, without repeats.
func SelectCandidates(snaps []fetch.Snapshot) []fetch.Snapshot {
	n := len(snaps)
	if n == 0 {
		return nil
	}
	order := []int{n - 1, 0, n / 4, 2 * n / 4, 3 * n / 4}
	seen := make(map[int]struct{}, len(order))
	out := make([]fetch.Snapshot, 0, len(order))
	for _, i := range order {
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, snaps[i])
	}
	return out
}
