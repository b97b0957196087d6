// Package queue provides the bounded work queue between message
// producers (gateway, channels, scheduled sends) and the single
// dispatcher consumer.
package queue

import (
	"context"
	"errors"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/pkg/models"
)

// ErrQueueFull is returned when a non-blocking enqueue finds no room.
var ErrQueueFull = errors.New("work queue is full")

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 256

// Queue is a bounded FIFO of work items. Any number of producers may
// enqueue; the dispatcher is the single consumer.
type Queue struct {
	items   chan *models.WorkItem
	metrics *observability.Metrics
}

// New creates a queue. capacity <= 0 uses DefaultCapacity.
func New(capacity int, metrics *observability.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items:   make(chan *models.WorkItem, capacity),
		metrics: metrics,
	}
}

// Enqueue blocks until there is room or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, item *models.WorkItem) error {
	select {
	case q.items <- item:
		q.gauge()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue never blocks; it returns ErrQueueFull when the queue has
// no room.
func (q *Queue) TryEnqueue(item *models.WorkItem) error {
	select {
	case q.items <- item:
		q.gauge()
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*models.WorkItem, error) {
	select {
	case item := <-q.items:
		q.gauge()
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the current depth.
func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) gauge() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.items)))
	}
}
