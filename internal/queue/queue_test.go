package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/pkg/models"
)

func TestQueueFIFO(t *testing.T) {
	q := New(8, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &models.WorkItem{Sender: "a"}))
	require.NoError(t, q.Enqueue(ctx, &models.WorkItem{Sender: "b"}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Sender)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Sender)
}

func TestQueueTryEnqueueFull(t *testing.T) {
	q := New(1, nil)
	require.NoError(t, q.TryEnqueue(&models.WorkItem{Sender: "a"}))
	assert.ErrorIs(t, q.TryEnqueue(&models.WorkItem{Sender: "b"}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := New(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueEnqueueHonorsContext(t *testing.T) {
	q := New(1, nil)
	require.NoError(t, q.TryEnqueue(&models.WorkItem{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, &models.WorkItem{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
