package ident

import "sort"

type Slice []ID

func (s Slice) Len() int {
	return len(s)
}

func (s Slice) Less(i, j int) bool {
	return Less(s[i], s[j])
}

func (s Slice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s Slice) Sort() {
	sort.Sort(s)
}

func (s Slice) Equals(other Slice) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Set is an unordered collection of IDs.
type Set map[ID]struct{}

func NewSet(ids ...ID) Set {
	out := make(Set, len(ids))
	for _, id := range ids {
		out.Insert(id)
	}
	return out
}

func (s Set) Insert(id ID) {
	s[id] = struct{}{}
}

func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() Slice {
	out := make(Slice, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	out.Sort()
	return out
}
