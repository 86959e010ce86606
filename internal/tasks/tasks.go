// Package tasks queues background sync work and runs it on a worker pool.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	FullSync         = "wise_full_sync"
	IncrementalSync  = "wise_incremental_sync"
	RefreshTransfers = "wise_refresh_transfers"
)

type Args struct {
	CompanyID      int64  `json:"company_id"`
	Environment    string `json:"environment,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Args       Args      `json:"args"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewTask(name string, args Args) Task {
	return Task{
		ID:         uuid.New().String(),
		Name:       name,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Dispatcher schedules a task for out-of-band execution
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args Args) error
}

// Source is where the worker pool pulls tasks from. Dequeue blocks up to
// timeout and returns ErrEmpty when nothing arrived.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
}

var ErrEmpty = errors.New("task queue empty")

// historyLimit bounds how many recent dispatches a MemoryQueue remembers
const historyLimit = 256

// MemoryQueue is an in-process queue, used by tests and single-binary runs
// without Redis
type MemoryQueue struct {
	ch chan Task

	mu         sync.Mutex
	dispatched []Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{ch: make(chan Task, size)}
}

func (q *MemoryQueue) Dispatch(ctx context.Context, name string, args Args) error {
	task := NewTask(name, args)
	q.mu.Lock()
	q.dispatched = append(q.dispatched, task)
	if len(q.dispatched) > historyLimit {
		q.dispatched = append(q.dispatched[:0], q.dispatched[len(q.dispatched)-historyLimit:]...)
	}
	q.mu.Unlock()
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task := <-q.ch:
		return &task, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatched returns the most recent dispatched tasks, oldest first
func (q *MemoryQueue) Dispatched() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.dispatched))
	copy(out, q.dispatched)
	return out
}
