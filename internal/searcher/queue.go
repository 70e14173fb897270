package searcher

import "slices"

// Item is a candidate node with its distance to the query.
type Item struct {
	ID       uint32
	Distance float32
}

// Less reports whether a orders before b: smaller distance, then lower id.
func Less(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// SortItems sorts items ascending by (distance, id).
func SortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
}

// PriorityQueue is a binary heap of Items stored by value, so pushes and
// pops never allocate once the backing slice has grown.
type PriorityQueue struct {
	worstFirst bool
	heap       []Item
}

// NewPriorityQueue returns an empty queue. With isMaxHeap the worst item is
// on top, which backs bounded result sets. Otherwise the best item is on
// top, which backs the exploration frontier.
func NewPriorityQueue(isMaxHeap bool) *PriorityQueue {
	return &PriorityQueue{worstFirst: isMaxHeap, heap: make([]Item, 0, 16)}
}

// Reset empties q and keeps its storage.
func (q *PriorityQueue) Reset() { q.heap = q.heap[:0] }

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int { return len(q.heap) }

// Top returns the item on top of q without removing it.
func (q *PriorityQueue) Top() (Item, bool) {
	if len(q.heap) == 0 {
		return Item{}, false
	}
	return q.heap[0], true
}

// Push adds item to q.
func (q *PriorityQueue) Push(item Item) {
	q.heap = append(q.heap, item)
	q.up(len(q.heap)-1, item)
}

// PushBounded adds item to a max queue holding at most capacity items. A
// full queue only accepts an item that orders before its top, which is
// evicted. It reports whether the item was kept.
func (q *PriorityQueue) PushBounded(item Item, capacity int) bool {
	switch {
	case len(q.heap) < capacity:
		q.Push(item)
		return true
	case capacity <= 0 || !Less(item, q.heap[0]):
		return false
	}
	q.down(0, item)
	return true
}

// Pop removes and returns the item on top of q.
func (q *PriorityQueue) Pop() (Item, bool) {
	last := len(q.heap) - 1
	if last < 0 {
		return Item{}, false
	}
	top, tail := q.heap[0], q.heap[last]
	q.heap = q.heap[:last]
	if last > 0 {
		q.down(0, tail)
	}
	return top, true
}

// Sorted returns the queued items ascending by (distance, id) and leaves q
// untouched.
func (q *PriorityQueue) Sorted() []Item {
	out := slices.Clone(q.heap)
	SortItems(out)
	return out
}

// above reports whether a belongs above b in q.
func (q *PriorityQueue) above(a, b Item) bool {
	if q.worstFirst {
		return Less(b, a)
	}
	return Less(a, b)
}

// up moves the hole at pos toward the root until item fits and stores it.
func (q *PriorityQueue) up(pos int, item Item) {
	for pos > 0 {
		p := (pos - 1) >> 1
		if !q.above(item, q.heap[p]) {
			break
		}
		q.heap[pos] = q.heap[p]
		pos = p
	}
	q.heap[pos] = item
}

// down moves the hole at pos toward the leaves until item fits and stores it.
func (q *PriorityQueue) down(pos int, item Item) {
	n := len(q.heap)
	for {
		c := pos<<1 + 1
		if c >= n {
			break
		}
		if r := c + 1; r < n && q.above(q.heap[r], q.heap[c]) {
			c = r
		}
		if !q.above(q.heap[c], item) {
			break
		}
		q.heap[pos] = q.heap[c]
		pos = c
	}
	q.heap[pos] = item
}
