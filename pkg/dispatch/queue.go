package dispatch

import (
	"sync"

	"github.com/psantana5/edgedash/pkg/models"
)

// Queue is the FIFO of messages awaiting dispatch
type Queue struct {
	mu    sync.Mutex
	items []models.Message
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{items: make([]models.Message, 0)}
}

// Enqueue appends to the tail
func (q *Queue) Enqueue(msg models.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// PushFront puts messages back at the head, keeping their relative order
func (q *Queue) PushFront(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]models.Message, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
	q.mu.Unlock()
}

// Peek returns the head without removing it
func (q *Queue) Peek() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.Message{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head
func (q *Queue) Pop() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.Message{}, false
	}
	head := q.items[0]
	q.items[0] = models.Message{}
	q.items = q.items[1:]
	return head, true
}

// Remove deletes the first message for the named content, reporting whether one was queued
func (q *Queue) Remove(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.Content.Name == name {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the queue contents, head first
func (q *Queue) Snapshot() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Message, len(q.items))
	copy(out, q.items)
	return out
}
