package dispatch

import (
	"container/heap"
	"context"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// queue is the bounded in-memory priority queue feeding the worker pool.
// Ordering is priority descending, then enqueue sequence ascending, so
// dispatch within a priority bucket is FIFO. Multi-producer/multi-consumer;
// Pop blocks until an item, close, or ctx cancellation.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    jobHeap
	capacity int
	seq      uint64
	closed   bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues without blocking. Returns Backpressure when full.
func (q *queue) Push(job *data.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errkind.Errorf(errkind.Internal, "queue closed")
	}
	if q.items.Len() >= q.capacity {
		return errkind.Errorf(errkind.Backpressure, "dispatch queue full (%d)", q.capacity)
	}
	q.pushLocked(job)
	return nil
}

// PushWait blocks until space is available or ctx is done.
func (q *queue) PushWait(ctx context.Context, job *data.Job) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return errkind.Errorf(errkind.Internal, "queue closed")
		}
		if q.items.Len() < q.capacity {
			q.pushLocked(job)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.notFull.Wait()
	}
}

func (q *queue) pushLocked(job *data.Job) {
	q.seq++
	heap.Push(&q.items, queued{job: job, seq: q.seq})
	q.notEmpty.Signal()
}

// Pop blocks until the highest-priority job is available.
func (q *queue) Pop(ctx context.Context) (*data.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(queued)
			q.notFull.Signal()
			return it.job, nil
		}
		if q.closed {
			return nil, errkind.Errorf(errkind.Internal, "queue closed")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.notEmpty.Wait()
	}
}

// Len returns the current depth.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes all waiters. Remaining items stay poppable.
func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

type queued struct {
	job *data.Job
	seq uint64
}

type jobHeap []queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
