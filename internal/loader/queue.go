package loader

import "deepzoom/internal/tileid"

type request struct {
	id   tileid.Identifier
	done chan struct{}
}

// requestQueue is the FIFO of identifiers waiting for the fetch pipeline.
// An identifier is never queued twice. Callers hold Loader.mu.
type requestQueue struct {
	items []*request
	index map[tileid.Identifier]*request
}

func newRequestQueue() *requestQueue {
	return &requestQueue{index: make(map[tileid.Identifier]*request)}
}

func (q *requestQueue) get(id tileid.Identifier) (*request, bool) {
	r, ok := q.index[id]
	return r, ok
}

func (q *requestQueue) push(id tileid.Identifier) *request {
	if r, ok := q.index[id]; ok {
		return r
	}
	r := &request{id: id, done: make(chan struct{})}
	q.items = append(q.items, r)
	q.index[id] = r
	return r
}

func (q *requestQueue) front() *request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// remove dequeues r and wakes everyone waiting on it.
func (q *requestQueue) remove(r *request) {
	if q.index[r.id] != r {
		return
	}
	delete(q.index, r.id)
	for i, it := range q.items {
		if it == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	close(r.done)
}

// retain drops every request for which keep returns false.
func (q *requestQueue) retain(keep func(*request) bool) int {
	kept := q.items[:0]
	dropped := 0
	for _, r := range q.items {
		if keep(r) {
			kept = append(kept, r)
			continue
		}
		delete(q.index, r.id)
		close(r.done)
		dropped++
	}
	clear(q.items[len(kept):])
	q.items = kept
	return dropped
}

func (q *requestQueue) len() int {
	return len(q.items)
}

func (q *requestQueue) ids() []tileid.Identifier {
	ids := make([]tileid.Identifier, len(q.items))
	for i, r := range q.items {
		ids[i] = r.id
	}
	return ids
}
