// SPDX-License-Identifier: Apache-2.0

package projection

import "github.com/adiadia/readmodel-runtime/internal/domain"

// Index routes an event type tag to the projectors that declared it. Built
// once per catch-up run; lookups do not allocate.
type Index struct {
	byType   map[string][]int
	wildcard []int
	all      []Projector
}

func NewIndex(projectors []Projector) *Index {
	idx := &Index{
		byType: make(map[string][]int, len(projectors)),
		all:    projectors,
	}
	for i, p := range projectors {
		typed, ok := p.(TypedProjector)
		if !ok || len(typed.EventTypes()) == 0 {
			idx.wildcard = append(idx.wildcard, i)
			continue
		}
		for _, t := range typed.EventTypes() {
			// repeated tags must not deliver an event twice
			if list := idx.byType[t]; len(list) > 0 && list[len(list)-1] == i {
				continue
			}
			idx.byType[t] = append(idx.byType[t], i)
		}
	}
	return idx
}

// Candidates returns the positions (into the slice given to NewIndex) of the
// projectors that may want ev, in registration order. Callers still check
// Matches for the residual predicate.
func (idx *Index) Candidates(ev domain.Event) []int {
	typed := idx.byType[ev.Type]
	if len(idx.wildcard) == 0 {
		return typed
	}
	if len(typed) == 0 {
		return idx.wildcard
	}
	return mergeSorted(typed, idx.wildcard)
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
