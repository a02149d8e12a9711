package tasks

import (
	"context"
	"sync"
)

type Queue interface {
	TryEnqueue(task Task) bool
	Enqueue(ctx context.Context, task Task) bool
	Dequeue(ctx context.Context) (Task, bool)
	Depth() int
	Capacity() int
	Close() error
}

// Snapshotter is implemented by queues that can list what they hold, so a
// restarted dispatcher can seed its de-duplication index.
type Snapshotter interface {
	SnapshotTasks() []Task
}

// Drainer is implemented by queues whose contents do not survive Close.
// Drain removes and returns everything still queued.
type Drainer interface {
	Drain() []Task
}

const defaultQueueCapacity = 1024

type inMemoryQueue struct {
	ch    chan Task
	items map[string]Task
	mu    sync.Mutex
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{
		ch:    make(chan Task, capacity),
		items: make(map[string]Task),
	}
}

func (q *inMemoryQueue) TryEnqueue(task Task) bool {
	if q == nil || task.ID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.track(task)
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, task Task) bool {
	if q == nil || task.ID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.track(task)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) track(task Task) {
	q.mu.Lock()
	q.items[task.ID] = task
	q.mu.Unlock()
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Task, bool) {
	if q == nil {
		return Task{}, false
	}
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.ID)
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return Task{}, false
	}
}

func (q *inMemoryQueue) SnapshotTasks() []Task {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.items))
	for _, task := range q.items {
		out = append(out, task)
	}
	return out
}

func (q *inMemoryQueue) Drain() []Task {
	if q == nil {
		return nil
	}
	var out []Task
	for {
		select {
		case task := <-q.ch:
			q.mu.Lock()
			delete(q.items, task.ID)
			q.mu.Unlock()
			out = append(out, task)
		default:
			return out
		}
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}
