package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/pkg/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(mr.Addr(), 0)
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	return New(c, logger)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEnqueueAndDispatchSuccess(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var ran int32
	q.RegisterHandler("noop", func(ctx context.Context, job types.Job) (map[string]any, error) {
		atomic.AddInt32(&ran, 1)
		return map[string]any{"ok": true}, nil
	})

	jobID, err := q.Enqueue(ctx, types.Job{Name: "noop", Priority: types.PriorityHigh})
	require.NoError(t, err)

	q.dispatchOne(ctx)

	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
	job, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
}

func TestPriorityOrderHighBeforeLow(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	var order []string
	q.RegisterHandler("track", func(ctx context.Context, job types.Job) (map[string]any, error) {
		tag, _ := job.Args["tag"].(string)
		order = append(order, tag)
		return nil, nil
	})

	_, err := q.Enqueue(ctx, types.Job{Name: "track", Priority: types.PriorityLow, Args: map[string]any{"tag": "low"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.Job{Name: "track", Priority: types.PriorityCritical, Args: map[string]any{"tag": "critical"}})
	require.NoError(t, err)

	q.dispatchOne(ctx)
	q.dispatchOne(ctx)

	require.Equal(t, []string{"critical", "low"}, order)
}

func TestFailWithExhaustedRetriesMarksJobFailed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	q.RegisterHandler("always-fails", func(ctx context.Context, job types.Job) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})

	job := types.Job{Name: "always-fails", Priority: types.PriorityNormal}
	job.RetryCount = len(retryDelays) // simulate exhausted retries
	jobID, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	loaded, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	q.fail(ctx, loaded, fmt.Errorf("boom"))

	final, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, final.Status)
}

func TestJobExhaustsRetriesThenListDLQ(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	q.RegisterHandler("sync_portfolio", func(ctx context.Context, job types.Job) (map[string]any, error) {
		return nil, fmt.Errorf("exchange transient")
	})

	jobID, err := q.Enqueue(ctx, types.Job{
		Name: "sync_portfolio", Priority: types.PriorityNormal, MaxRetries: 3,
		Args: map[string]any{"userId": "user-1"},
	})
	require.NoError(t, err)

	// 120s, 240s, 480s retries, then the fourth failure dead-letters it.
	for i := 0; i < len(retryDelays)+1; i++ {
		loaded, err := q.JobStatus(ctx, jobID)
		require.NoError(t, err)
		q.execute(ctx, loaded)
	}

	final, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, final.Status)
	require.Equal(t, len(retryDelays), final.RetryCount)

	dlq, err := q.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, jobID, dlq[0].ID)
	require.Equal(t, len(retryDelays), dlq[0].RetryCount)
	require.Equal(t, types.JobFailed, dlq[0].Status)
}

func TestRequeueFromDLQResetsRetryCount(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	var calls int32
	q.RegisterHandler("sync_portfolio", func(ctx context.Context, job types.Job) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) <= 4 {
			return nil, fmt.Errorf("exchange transient")
		}
		return map[string]any{"ok": true}, nil
	})

	jobID, err := q.Enqueue(ctx, types.Job{Name: "sync_portfolio", Priority: types.PriorityNormal, MaxRetries: 3})
	require.NoError(t, err)

	for i := 0; i < len(retryDelays)+1; i++ {
		loaded, err := q.JobStatus(ctx, jobID)
		require.NoError(t, err)
		q.execute(ctx, loaded)
	}
	dlq, err := q.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	require.NoError(t, q.RequeueFromDLQ(ctx, jobID))

	afterRequeue, err := q.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, afterRequeue, 0)

	q.dispatchOne(ctx)

	final, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, final.Status)
	require.Zero(t, final.RetryCount)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	jobID, err := q.Enqueue(ctx, types.Job{Name: "later", Priority: types.PriorityNormal, ScheduledAt: &future})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, jobID))
	job, err := q.JobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, job.Status)
}
