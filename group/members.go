package group

import "slices"

// Dedupe returns ids without repeats, keeping first occurrences in order.
func Dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Union returns a followed by the ids of b not already in a.
func Union(a, b []string) []string {
	return Dedupe(append(slices.Clone(a), b...))
}

// Without returns ids minus every entry of remove.
func Without(ids, remove []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(remove, id) {
			out = append(out, id)
		}
	}
	return out
}

// Intersect returns the ids of a that are also in b.
func Intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, id := range a {
		if slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}
