package session

// ring is a fixed-capacity overwrite buffer. Not safe for concurrent use;
// the session serializes access under its own lock.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

// push appends an item, overwriting the oldest when full.
func (r *ring[T]) push(item T) {
	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = item
	if r.size < len(r.items) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

// snapshot returns retained items oldest first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// tail returns up to n newest items, oldest first.
func (r *ring[T]) tail(n int) []T {
	if n >= r.size {
		return r.snapshot()
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

func (r *ring[T]) len() int {
	return r.size
}
