package jobs

import (
	"cmp"
	"slices"
)

// store is the in-memory job map. It is not safe for concurrent use; the
// Registry lock guards it.
type store struct {
	data map[string]*job
}

func newStore() *store {
	return &store{data: make(map[string]*job)}
}

func (s *store) put(j *job) {
	s.data[j.id] = j
}

func (s *store) get(id string) (*job, bool) {
	j, ok := s.data[id]
	return j, ok
}

// filter returns the jobs matching keep in creation order.
func (s *store) filter(keep func(*job) bool) []*job {
	var out []*job
	for _, j := range s.data {
		if keep(j) {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b *job) int {
		return cmp.Or(a.createdAt.Compare(b.createdAt), cmp.Compare(a.id, b.id))
	})
	return out
}
