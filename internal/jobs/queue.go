package jobs

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of job ids with a bounded-wait Pop.
type Queue struct {
	mu     sync.Mutex
	items  []string
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(id string) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.notify()
}

// PushFront returns an id to the head of the queue, used when a worker hands
// back a job it is no longer allowed to run.
func (q *Queue) PushFront(id string) {
	q.mu.Lock()
	q.items = append([]string{id}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop waits at most wait for an id. It returns false on timeout or when ctx
// is done.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (string, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
