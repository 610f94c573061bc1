package engine

import (
	"container/heap"
	"sync"

	"github.com/webstalk/clustermaster/internal/types"
)

// RequestQueue is the crawl frontier: a priority queue that breaks priority
// ties by arrival order, so equal-priority pages crawl breadth-first.
type RequestQueue struct {
	mu     sync.Mutex
	h      requestHeap
	seq    uint64
	closed bool
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue() *RequestQueue {
	q := &RequestQueue{h: make(requestHeap, 0, 256)}
	heap.Init(&q.h)
	return q
}

// Push enqueues a request. Pushes after Close are discarded.
func (q *RequestQueue) Push(req *types.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.h, &queued{req: req, order: q.seq})
}

// TryPop dequeues the best request, or returns nil when empty.
func (q *RequestQueue) TryPop() *types.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*queued).req
}

// Len reports the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Close marks the queue finished: no further pushes land, and workers
// treat an empty closed queue as end of crawl.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *RequestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Snapshot copies the queued requests without disturbing the queue, for
// checkpointing a live crawl.
func (q *RequestQueue) Snapshot() []*types.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Request, len(q.h))
	for i, entry := range q.h {
		out[i] = entry.req
	}
	return out
}

type queued struct {
	req   *types.Request
	order uint64
}

type requestHeap []*queued

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].order < h[j].order
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
