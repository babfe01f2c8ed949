package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "https://venue.example.com/e/1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "https://venue.example.com/e/1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return url")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), "primed"))
	assert.EqualError(t, q.Enqueue(ctx, "next"), "enqueue canceled: context canceled")
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.TryEnqueue("a"))
	require.NoError(t, q.TryEnqueue("b"))
	assert.ErrorIs(t, q.TryEnqueue("c"), ErrFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueCloseReleasesProducers(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(context.Background(), "b") }()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after close")
	}

	// Buffered items still drain, then the queue reports closed.
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got)
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.TryEnqueue("c"), ErrClosed)

	// Closing twice should be safe.
	q.Close()
}
