package heap

// Heap is a binary min-heap that tracks the position of every item, so items
// can be removed or re-prioritized without a scan. Items must be distinct.
// Not safe for concurrent use.
type Heap[T comparable] struct {
	items     []T
	positions map[T]int
	less      func(a T, b T) bool
}

func New[T comparable](less func(a T, b T) bool) *Heap[T] {
	return &Heap[T]{
		positions: make(map[T]int),
		less:      less,
	}
}

func (h *Heap[T]) Len() int { return len(h.items) }

func (h *Heap[T]) Contains(item T) bool {
	_, ok := h.positions[item]
	return ok
}

// Push adds the item. Pushing an item already in the heap re-prioritizes it.
func (h *Heap[T]) Push(item T) {
	if h.Fix(item) {
		return
	}
	h.items = append(h.items, item)
	h.positions[item] = len(h.items) - 1
	h.up(len(h.items) - 1)
}

func (h *Heap[T]) Pop() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	top := h.items[0]
	h.removeAt(0)
	return top, true
}

func (h *Heap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Remove reports whether the item was in the heap.
func (h *Heap[T]) Remove(item T) bool {
	index, ok := h.positions[item]
	if !ok {
		return false
	}
	h.removeAt(index)
	return true
}

// Fix restores the heap order after the priority of the item changed. Returns
// false if the item is not in the heap.
func (h *Heap[T]) Fix(item T) bool {
	index, ok := h.positions[item]
	if !ok {
		return false
	}
	if !h.up(index) {
		h.down(index)
	}
	return true
}

func (h *Heap[T]) removeAt(index int) {
	last := len(h.items) - 1
	removed := h.items[index]
	h.swap(index, last)
	h.items = h.items[:last]
	delete(h.positions, removed)

	if index < last && !h.up(index) {
		h.down(index)
	}
}

// up reports whether the item moved.
func (h *Heap[T]) up(index int) bool {
	moved := false
	for index > 0 {
		p := (index - 1) / 2
		if !h.less(h.items[index], h.items[p]) {
			break
		}
		h.swap(index, p)
		index = p
		moved = true
	}
	return moved
}

func (h *Heap[T]) down(index int) {
	n := len(h.items)
	for {
		smallest := index
		if l := 2*index + 1; l < n && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*index + 2; r < n && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == index {
			return
		}
		h.swap(index, smallest)
		index = smallest
	}
}

func (h *Heap[T]) swap(i int, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.positions[h.items[i]] = i
	h.positions[h.items[j]] = j
}
