package loader

import (
	"container/heap"
	"context"
	"sync"
)

// waiter is one queued acquire request. Higher priority drains first; equal
// priorities drain in arrival order via seq.
type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// prioritySemaphore bounds concurrent loader operations. Requests beyond the
// limit queue in priority order.
type prioritySemaphore struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  waiterHeap
	seq      uint64
}

func newPrioritySemaphore(capacity int) *prioritySemaphore {
	return &prioritySemaphore{capacity: capacity}
}

// acquire blocks until a slot is free or ctx is done. A granted slot must be
// returned with release.
func (s *prioritySemaphore) acquire(ctx context.Context, priority int) error {
	s.mu.Lock()
	if s.active < s.capacity {
		s.active++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, seq: s.seq, ready: make(chan struct{})}
	s.seq++
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; give the slot back.
			s.releaseLocked()
			return ctx.Err()
		default:
		}
		heap.Remove(&s.waiters, w.index)
		return ctx.Err()
	}
}

func (s *prioritySemaphore) release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// releaseLocked hands the slot to the highest-priority waiter, if any.
func (s *prioritySemaphore) releaseLocked() {
	if s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ready)
		return
	}
	s.active--
}
