package backend

// RingSize is the number of recent statuses and latencies kept per backend.
const RingSize = 10

// ring is a fixed window indexed by dispatch sequence number. A write lands
// in slot (seq-1) mod RingSize, so the slot a write replaces is the oldest by
// position, which is not always the oldest by time when responses complete
// out of order.
type ring[T any] struct {
	slots  [RingSize]T
	filled [RingSize]bool
}

func (r *ring[T]) put(seq int64, v T) {
	i := (seq - 1) % RingSize
	if i < 0 {
		i += RingSize
	}
	r.slots[i] = v
	r.filled[i] = true
}

// values returns the populated slots in slot order.
func (r *ring[T]) values() []T {
	out := make([]T, 0, RingSize)
	for i, ok := range r.filled {
		if ok {
			out = append(out, r.slots[i])
		}
	}
	return out
}
