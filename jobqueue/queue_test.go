package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/messaging"
)

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
		return nil
	}
}

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := New(fastConfig(1))
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var last <-chan error
	for i := 0; i < 10; i++ {
		i := i
		_, done, err := q.Enqueue(JobFunc{Label: "order", Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		require.NoError(t, err)
		last = done
	}
	require.NoError(t, wait(t, last))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueueRetriesRetryableErrors(t *testing.T) {
	q := New(fastConfig(5))
	q.Start(context.Background())
	defer q.Stop()

	var calls atomic.Int32
	_, done, err := q.Enqueue(JobFunc{Label: "flaky", Fn: func(context.Context) error {
		if calls.Add(1) < 3 {
			return messaging.ErrSendFailed
		}
		return nil
	}})
	require.NoError(t, err)
	assert.NoError(t, wait(t, done))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueueDoesNotRetryPermanentErrors(t *testing.T) {
	q := New(fastConfig(5))
	q.Start(context.Background())
	defer q.Stop()

	var calls atomic.Int32
	_, done, err := q.Enqueue(JobFunc{Label: "invalid", Fn: func(context.Context) error {
		calls.Add(1)
		return messaging.NewError("send", messaging.ErrInvalidMessage)
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, done), messaging.ErrInvalidMessage)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := New(fastConfig(2))
	q.Start(context.Background())
	defer q.Stop()

	var calls atomic.Int32
	var completed atomic.Int32
	q.OnComplete = func(string, Job, error) { completed.Add(1) }

	_, done, err := q.Enqueue(JobFunc{Label: "down", Fn: func(context.Context) error {
		calls.Add(1)
		return messaging.ErrSendFailed
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, done), messaging.ErrSendFailed)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
	assert.Equal(t, int32(1), completed.Load())
}

func TestQueueImmediate(t *testing.T) {
	q := New(fastConfig(1))
	boom := errors.New("boom")

	err := wait(t, q.QueueImmediate(context.Background(), "now", func(context.Context) error { return nil }))
	assert.NoError(t, err)

	err = wait(t, q.QueueImmediate(context.Background(), "now", func(context.Context) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestQueueStopFailsPendingJobs(t *testing.T) {
	q := New(fastConfig(1))

	_, done, err := q.Enqueue(JobFunc{Label: "never", Fn: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	q.Stop()
	assert.ErrorIs(t, wait(t, done), ErrQueueClosed)

	_, _, err = q.Enqueue(JobFunc{Label: "late", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
