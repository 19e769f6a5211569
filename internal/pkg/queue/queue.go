package queue

import (
	"errors"
	"sync"

	"karmaguard/internal/pkg/models"
)

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrQueueEmpty = errors.New("queue is empty")
)

// Bounded first in, first out queue of posts awaiting classification.
type Queue struct {
	mu       sync.Mutex
	capacity int
	q        []models.Post
	ready    chan struct{}
}

// Creates an empty queue with a specified capacity
func CreateQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity should be greater than 0")
	}
	return &Queue{
		capacity: capacity,
		q:        make([]models.Post, 0, min(capacity, 1024)),
		ready:    make(chan struct{}, 1),
	}, nil
}

// Inserts an item into the queue
func (q *Queue) Insert(item models.Post) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) >= q.capacity {
		return ErrQueueFull
	}
	q.q = append(q.q, item)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Removes the oldest element from the queue
func (q *Queue) Remove() (models.Post, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return models.Post{}, ErrQueueEmpty
	}
	item := q.q[0]
	q.q[0] = models.Post{}
	q.q = q.q[1:]
	return item, nil
}

// Signaled after an insert; lets consumers sleep instead of spinning.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Returns the number of elements in the queue
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// Returns true if the queue is empty
func (q *Queue) IsEmpty() bool {
	return q.Length() == 0
}

func (q *Queue) Capacity() int {
	return q.capacity
}
