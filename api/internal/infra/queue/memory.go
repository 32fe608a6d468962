package queue

import (
	"context"
	"fmt"
	"sync"
)

// memoryQueue is an unbounded FIFO. Enqueue never blocks, so submissions are
// never rejected when all workers are busy.
type memoryQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	notify chan struct{}
}

func NewMemory() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("empty taskID")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, taskID)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue blocks until a task id is available or ctx is done.
func (q *memoryQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			if more {
				q.wake()
			}
			return &memoryMessage{id: id, q: q}, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *memoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryMessage struct {
	id string
	q  *memoryQueue
}

func (m *memoryMessage) TaskID() string { return m.id }

func (m *memoryMessage) Ack() error { return nil }

func (m *memoryMessage) Nak() error {
	return m.q.Enqueue(context.Background(), m.id)
}
