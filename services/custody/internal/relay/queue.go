package relay

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
)

// Job is one pending outbound submission. Attempt counts failed
// submissions so far.
type Job struct {
	Kind    storage.OperationKind `json:"kind"`
	ID      uuid.UUID             `json:"id"`
	Attempt int                   `json:"attempt"`
}

func (j Job) Key() string {
	return string(j.Kind) + ":" + j.ID.String()
}

func (j Job) Ref() storage.OperationRef {
	return storage.OperationRef{Kind: j.Kind, ID: j.ID}
}

// Queue holds at most one job per operation. Claim leases the earliest due
// job; a job that is not acked before its lease runs out becomes due again.
type Queue interface {
	Enqueue(ctx context.Context, job Job, runAt time.Time) error
	// Add enqueues job only when nothing is queued for its operation, and
	// reports whether it did.
	Add(ctx context.Context, job Job, runAt time.Time) (bool, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*Job, error)
	// Ack drops the job unless it was re-enqueued after being claimed.
	Ack(ctx context.Context, job Job) error
	Len(ctx context.Context) (int, error)
}

type memItem struct {
	job   Job
	runAt time.Time
	index int
}

type jobHeap []*memItem

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*memItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryQueue is the single-process Queue used when Redis is not configured.
type MemoryQueue struct {
	mu    sync.Mutex
	heap  jobHeap
	items map[string]*memItem
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]*memItem)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[job.Key()]; ok {
		item.job = job
		item.runAt = runAt
		heap.Fix(&q.heap, item.index)
		return nil
	}
	item := &memItem{job: job, runAt: runAt}
	heap.Push(&q.heap, item)
	q.items[job.Key()] = item
	return nil
}

func (q *MemoryQueue) Add(_ context.Context, job Job, runAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[job.Key()]; ok {
		return false, nil
	}
	item := &memItem{job: job, runAt: runAt}
	heap.Push(&q.heap, item)
	q.items[job.Key()] = item
	return true, nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 || q.heap[0].runAt.After(now) {
		return nil, nil
	}
	item := q.heap[0]
	item.runAt = now.Add(lease)
	heap.Fix(&q.heap, item.index)
	job := item.job
	return &job, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[job.Key()]
	if !ok || item.job != job {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, job.Key())
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap), nil
}
