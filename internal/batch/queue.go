package batch

// queued wraps a task with its arrival sequence so equal priorities drain in
// FIFO order.
type queued struct {
	task *Task
	seq  uint64
}

// taskHeap is a max-heap by priority, FIFO among equal priorities.
type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*queued))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return q
}
