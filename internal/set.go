package internal

import (
	"cmp"
	"maps"
	"slices"
)

type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

// sorted returns the set's members in sort order, for deterministic output.
func sorted[T cmp.Ordered](s set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
