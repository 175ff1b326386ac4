package watch

// seenSet is the set of ids a discovery loop has already announced.
//
// Ids are only removed when their announcement was refused. A seenSet is owned by exactly one loop goroutine and is
// discarded with the loop, so it needs no locking.
type seenSet map[int]struct{}

func newSeenSet() seenSet {
	return make(seenSet)
}

// add records id and reports whether it was new.
func (s seenSet) add(id int) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s seenSet) has(id int) bool {
	_, ok := s[id]
	return ok
}

func (s seenSet) remove(id int) {
	delete(s, id)
}
