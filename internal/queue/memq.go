package queue

import (
	"context"
	"errors"
	"sync"
)

// MemQueue is an in-process queue for single-node deployments where the
// API and the workers share a binary.
type MemQueue struct {
	jobs chan Job

	mu     sync.Mutex
	closed bool
}

func NewMemQueue(buffer int) *MemQueue {
	if buffer < 1 {
		buffer = 256
	}
	return &MemQueue{jobs: make(chan Job, buffer)}
}

func (q *MemQueue) Publish(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue is closed")
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Receive(ctx context.Context) ([]Delivery, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, errors.New("queue is closed")
		}
		return []Delivery{{
			Job: job,
			Ack: func() error { return nil },
			Nak: func() error {
				// Best effort: a full buffer drops the redelivery.
				select {
				case q.jobs <- job:
				default:
				}
				return nil
			},
		}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
