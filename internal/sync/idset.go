package sync

import (
	"cmp"
	"slices"
)

// IDSet is a set of post ids that remembers insertion order.
type IDSet struct {
	order []int64
	index map[int64]struct{}
}

func NewIDSet(ids ...int64) *IDSet {
	s := &IDSet{index: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *IDSet) Has(id int64) bool {
	_, ok := s.index[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (s *IDSet) Add(id int64) bool {
	if s.Has(id) {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *IDSet) Len() int {
	return len(s.order)
}

// IDs returns a copy of the ids in insertion order.
func (s *IDSet) IDs() []int64 {
	return slices.Clone(s.order)
}

// Retain drops every id for which keep returns false, preserving the order
// of the rest, and returns how many were dropped.
func (s *IDSet) Retain(keep func(id int64) bool) int {
	kept := s.order[:0]
	for _, id := range s.order {
		if keep(id) {
			kept = append(kept, id)
		} else {
			delete(s.index, id)
		}
	}
	removed := len(s.order) - len(kept)
	clear(s.order[len(kept):])
	s.order = kept
	return removed
}

// highest returns up to n of ids, largest first.
func highest(ids []int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b int64) int { return cmp.Compare(b, a) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
