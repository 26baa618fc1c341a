package gate

// idSet is an insertion-ordered set that keeps at most capacity entries,
// evicting the oldest first.
type idSet struct {
	ids      []string
	index    map[string]struct{}
	capacity int
}

func newIDSet(ids []string, capacity int) *idSet {
	s := &idSet{index: make(map[string]struct{}, len(ids)), capacity: capacity}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *idSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *idSet) Add(id string) {
	if s.Has(id) {
		return
	}
	s.ids = append(s.ids, id)
	s.index[id] = struct{}{}
	for len(s.ids) > s.capacity {
		delete(s.index, s.ids[0])
		s.ids = s.ids[1:]
	}
}

func (s *idSet) Len() int {
	return len(s.ids)
}

func (s *idSet) Slice() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}
