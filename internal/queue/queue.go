// Package queue provides a value-based binary heap used as the priority
// mailbox of worker execution contexts.
package queue

// Item is one queued element.
// Value-based storage, no pointer indirection.
type Item[T any] struct {
	Value    T
	Priority float64
	seq      uint64
}

// Heap is a min-heap ordered by (Priority, arrival). Equal priorities pop in
// FIFO order, which keeps per-key request sequences stable.
type Heap[T any] struct {
	items   []Item[T]
	nextSeq uint64
}

// NewHeap creates a heap with the given initial capacity.
func NewHeap[T any](capacity int) *Heap[T] {
	return &Heap[T]{items: make([]Item[T], 0, capacity)}
}

// Len returns the number of queued elements.
func (h *Heap[T]) Len() int { return len(h.items) }

// Push inserts a value while maintaining the heap invariant.
func (h *Heap[T]) Push(v T, priority float64) {
	h.items = append(h.items, Item[T]{Value: v, Priority: priority, seq: h.nextSeq})
	h.nextSeq++
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the lowest-priority-value element.
func (h *Heap[T]) Pop() (T, bool) {
	n := len(h.items)
	if n == 0 {
		var zero T
		return zero, false
	}
	root := h.items[0]
	last := h.items[n-1]
	h.items[n-1] = Item[T]{} // zero out for GC
	h.items = h.items[:n-1]
	if n-1 > 0 {
		h.items[0] = last
		h.siftDown(0)
	}
	return root.Value, true
}

// Peek returns the element Pop would return without removing it.
func (h *Heap[T]) Peek() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0].Value, true
}

// Drain pops every element in order into fn.
func (h *Heap[T]) Drain(fn func(T)) {
	for {
		v, ok := h.Pop()
		if !ok {
			return
		}
		fn(v)
	}
}

// Reset clears the heap for reuse.
func (h *Heap[T]) Reset() {
	clear(h.items)
	h.items = h.items[:0]
}

func (h *Heap[T]) less(i, j int) bool {
	if h.items[i].Priority != h.items[j].Priority {
		return h.items[i].Priority < h.items[j].Priority
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(i, p) {
			return
		}
		h.items[i], h.items[p] = h.items[p], h.items[i]
		i = p
	}
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && h.less(r, l) {
			best = r
		}
		if !h.less(best, i) {
			return
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
}
