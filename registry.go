package evreactor

import "github.com/dreamans/evreactor/poller"

type record struct {
	flags    poller.Flags
	callback Callback
	// armed is false when the backend refused the descriptor in Add.
	armed bool
}

// registry maps descriptors to their registration. It is not safe for
// concurrent use; the reactor guards it with its own mutex.
type registry struct {
	records map[int]record
}

func newRegistry() *registry {
	return &registry{records: make(map[int]record)}
}

// insert stores rec unless fd is already present, and reports whether it did.
func (r *registry) insert(fd int, rec record) bool {
	if _, ok := r.records[fd]; ok {
		return false
	}
	r.records[fd] = rec
	return true
}

func (r *registry) lookup(fd int) (record, bool) {
	rec, ok := r.records[fd]
	return rec, ok
}

func (r *registry) markArmed(fd int) {
	if rec, ok := r.records[fd]; ok {
		rec.armed = true
		r.records[fd] = rec
	}
}

func (r *registry) erase(fd int) {
	delete(r.records, fd)
}

func (r *registry) len() int {
	return len(r.records)
}

func (r *registry) fds() []int {
	fds := make([]int, 0, len(r.records))
	for fd := range r.records {
		fds = append(fds, fd)
	}
	return fds
}

func (r *registry) clear() {
	r.records = make(map[int]record)
}
