package loader

import (
	"container/list"

	"deepzoom/internal/tileid"
)

// recencyList orders identifiers by last request, oldest at the front.
// Callers hold Loader.mu.
type recencyList struct {
	items map[tileid.Identifier]*list.Element
	order *list.List
}

func newRecencyList() *recencyList {
	return &recencyList{
		items: make(map[tileid.Identifier]*list.Element),
		order: list.New(),
	}
}

// touch moves id to the most recent position, inserting it if needed.
func (r *recencyList) touch(id tileid.Identifier) {
	if elem, ok := r.items[id]; ok {
		r.order.MoveToBack(elem)
		return
	}
	r.items[id] = r.order.PushBack(id)
}

// ensure inserts id as most recent only if it is not tracked yet.
func (r *recencyList) ensure(id tileid.Identifier) {
	if _, ok := r.items[id]; !ok {
		r.items[id] = r.order.PushBack(id)
	}
}

func (r *recencyList) remove(id tileid.Identifier) {
	if elem, ok := r.items[id]; ok {
		r.order.Remove(elem)
		delete(r.items, id)
	}
}

// popOldest removes and returns up to n least recently requested ids.
func (r *recencyList) popOldest(n int) []tileid.Identifier {
	out := make([]tileid.Identifier, 0, min(n, r.order.Len()))
	for len(out) < n {
		front := r.order.Front()
		if front == nil {
			break
		}
		id := front.Value.(tileid.Identifier)
		r.order.Remove(front)
		delete(r.items, id)
		out = append(out, id)
	}
	return out
}

func (r *recencyList) len() int {
	return r.order.Len()
}
