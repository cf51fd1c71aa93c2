package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueOfferDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ok, err := q.Offer("job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Offer("job-1")
	require.NoError(t, err)
	require.False(t, ok, "claimed ids are not offered twice")

	id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	ok, _ = q.Offer("job-1")
	require.False(t, ok, "still claimed until Done")
	q.Done("job-1")
	ok, _ = q.Offer("job-1")
	require.True(t, ok)
}

func TestQueueOfferWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ok, _ := q.Offer("a")
	require.True(t, ok)
	ok, _ = q.Offer("b")
	require.False(t, ok)
	require.Equal(t, 1, q.Len())

	// b was never claimed, so it can be offered once space frees up.
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	ok, _ = q.Offer("b")
	require.True(t, ok)
}

func TestQueueCancelationAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.Close()
	q.Close()
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.Offer("x")
	require.ErrorIs(t, err, ErrClosed)
}
