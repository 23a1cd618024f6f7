package mux

import "time"

// pendingIO is a scheduled deadline expiry for one outstanding Read or
// Connect command (spec.md §5: "the multiplexer fires timeouts from a
// min-heap keyed by deadline").
type pendingIO struct {
	id       uint64
	deadline time.Time
	consumed bool // set once a reply (data or timeout) has been delivered
	fire     func()
	index    int // heap.Interface bookkeeping
}

// deadlineHeap is a container/heap.Interface ordering pendingIO entries
// by deadline, earliest first.
type deadlineHeap []*pendingIO

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*pendingIO)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
