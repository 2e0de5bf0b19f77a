package delivery

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO for many producers and one consumer.
// push never blocks; ready carries at most one pending wakeup.
type queue struct {
	mu    sync.Mutex
	items []Job
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(j Job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.signal()
}

// pushFront returns a job the consumer took but could not finish.
func (q *queue) pushFront(j Job) {
	q.mu.Lock()
	q.items = append([]Job{j}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) tryPop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	j := q.items[0]
	q.items[0] = Job{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return j, true
}

// pop blocks until a job is available or ctx ends.
func (q *queue) pop(ctx context.Context) (Job, error) {
	for {
		if j, ok := q.tryPop(); ok {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// clear empties the queue and returns how many jobs were dropped.
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
