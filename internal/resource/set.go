package resource

import "sort"

// Set is an unordered set of resource identifiers.
type Set map[string]struct{}

// NewSet builds a set from ids, skipping empty strings.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s Set) Len() int {
	return len(s)
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Minus returns the ids in s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Merge adds every id of other into s.
func (s Set) Merge(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Remove deletes every id of other from s.
func (s Set) Remove(other Set) {
	for id := range other {
		delete(s, id)
	}
}

// Equal reports whether both sets contain the same ids.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
