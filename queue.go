package vdec

// BoundedQueue is a fixed-capacity FIFO ring. Push on a full queue fails
// with ErrQueueFull and leaves the contents unchanged. It does no locking.
type BoundedQueue[T any] struct {
	items []T
	head  int
	size  int
}

// NewBoundedQueue creates a queue holding at most capacity entries.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue[T]{items: make([]T, capacity)}
}

// Push appends v at the tail.
func (q *BoundedQueue[T]) Push(v T) error {
	if q.Full() {
		return ErrQueueFull
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	return nil
}

// Pop removes and returns the head entry.
func (q *BoundedQueue[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

// Extract removes every entry for which match returns true and returns them
// in FIFO order. Remaining entries keep their relative order.
func (q *BoundedQueue[T]) Extract(match func(T) bool) []T {
	var out []T
	n := q.size
	for i := 0; i < n; i++ {
		v, _ := q.Pop()
		if match(v) {
			out = append(out, v)
			continue
		}
		// Cannot fail: one slot was just freed.
		_ = q.Push(v)
	}
	return out
}

func (q *BoundedQueue[T]) Len() int    { return q.size }
func (q *BoundedQueue[T]) Cap() int    { return len(q.items) }
func (q *BoundedQueue[T]) Empty() bool { return q.size == 0 }
func (q *BoundedQueue[T]) Full() bool  { return q.size == len(q.items) }
