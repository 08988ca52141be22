// Package queue implements the Job System (C7): priority FIFO job queues,
// a delayed/scheduled sorted set, a processing set for in-flight jobs, and
// a dead-letter queue for exhausted retries, all built on the Cache
// Layer's Redis primitives — the same list/sorted-set/set vocabulary the
// reference bot's pubsub package exposed, here composed into a queue
// instead of a fan-out channel.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/titancore/futurescore/internal/cache"
	"github.com/titancore/futurescore/pkg/idgen"
	"github.com/titancore/futurescore/pkg/types"
)

const (
	keyQueuePrefix  = "jobs:queue:"
	keyScheduled    = "jobs:scheduled"
	keyProcessing   = "jobs:processing"
	keyDeadLetter   = "jobs:dlq"
	keyJobPrefix    = "jobs:data:"
	keyResultPrefix = "jobs:result:"

	jobDataTTL   = 7 * 24 * time.Hour
	jobResultTTL = 24 * time.Hour
)

// retryDelays is the retry cadence from spec §4.7: 120s, 240s, 480s, then
// the job moves to the dead-letter queue.
var retryDelays = []time.Duration{120 * time.Second, 240 * time.Second, 480 * time.Second}

func queueKey(p types.JobPriority) string { return keyQueuePrefix + string(p) }

// Handler executes one job's Args and returns a result map or an error.
type Handler func(ctx context.Context, job types.Job) (map[string]any, error)

// Queue is the Redis-backed job queue and dispatch loop.
type Queue struct {
	cache  *cache.Cache
	logger *slog.Logger

	handlers map[string]Handler
}

// New constructs a Queue bound to the given cache.
func New(c *cache.Cache, logger *slog.Logger) *Queue {
	return &Queue{
		cache:    c,
		logger:   logger.With("component", "queue"),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a job name to its execution function. Must be
// called before Run starts dispatching.
func (q *Queue) RegisterHandler(name string, h Handler) {
	q.handlers[name] = h
}

// HasHandler reports whether name is a registered job handler, letting a
// caller reject an enqueue request before it ever reaches the queue.
func (q *Queue) HasHandler(name string) bool {
	_, ok := q.handlers[name]
	return ok
}

// Enqueue submits a new job for immediate dispatch (ScheduledAt == nil)
// or places it on the delayed sorted set keyed by due-at millis.
func (q *Queue) Enqueue(ctx context.Context, job types.Job) (string, error) {
	if job.ID == "" {
		job.ID = idgen.New()
	}
	if job.Priority == "" {
		job.Priority = types.PriorityNormal
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}

	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now().UTC()) {
		score := float64(job.ScheduledAt.UnixMilli())
		if err := q.cache.SortedSetAdd(ctx, keyScheduled, score, job.ID); err != nil {
			return "", fmt.Errorf("schedule job: %w", err)
		}
		return job.ID, nil
	}

	if err := q.cache.ListPush(ctx, queueKey(job.Priority), job.ID); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

func (q *Queue) saveJob(ctx context.Context, job types.Job) error {
	return q.cache.Set(ctx, keyJobPrefix+job.ID, job, jobDataTTL)
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (types.Job, error) {
	var job types.Job
	if err := q.cache.Get(ctx, keyJobPrefix+jobID, &job); err != nil {
		return types.Job{}, err
	}
	return job, nil
}

// Run starts the dispatch loop: promote due scheduled jobs, then pop from
// the priority queues in order (critical > high > normal > low), execute,
// and apply the retry/DLQ policy on failure. Blocks until ctx is done.
func (q *Queue) Run(ctx context.Context, workers int) {
	promoteTicker := time.NewTicker(time.Second)
	defer promoteTicker.Stop()

	done := ctx.Done()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-promoteTicker.C:
				q.promoteDue(ctx)
			}
		}
	}()

	work := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		work <- struct{}{}
	}

	for {
		select {
		case <-done:
			return
		case <-work:
			go func() {
				defer func() { work <- struct{}{} }()
				q.dispatchOne(ctx)
			}()
		}
	}
}

// promoteDue moves every scheduled job whose due time has passed into its
// priority queue.
func (q *Queue) promoteDue(ctx context.Context) {
	now := float64(time.Now().UTC().UnixMilli())
	due, err := q.cache.SortedSetRangeByScore(ctx, keyScheduled, 0, now)
	if err != nil {
		q.logger.Error("promote scheduled jobs failed", "error", err)
		return
	}
	for _, jobID := range due {
		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			q.logger.Error("load scheduled job failed", "job", jobID, "error", err)
			continue
		}
		if err := q.cache.ListPush(ctx, queueKey(job.Priority), job.ID); err != nil {
			q.logger.Error("promote job push failed", "job", jobID, "error", err)
			continue
		}
		_ = q.cache.SortedSetRemove(ctx, keyScheduled, jobID)
	}
}

// dispatchOne blocks briefly waiting for work across all priority queues
// in priority order, then executes at most one job.
func (q *Queue) dispatchOne(ctx context.Context) {
	keys := make([]string, 0, len(types.Priorities))
	for _, p := range types.Priorities {
		keys = append(keys, queueKey(p))
	}

	_, jobIDBytes, err := q.cache.ListPopBlocking(ctx, 2*time.Second, keys...)
	if err != nil {
		return // timeout or context cancellation; caller loops
	}
	jobID := string(jobIDBytes)

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		q.logger.Error("load dispatched job failed", "job", jobID, "error", err)
		return
	}
	if job.Status == types.JobCancelled {
		return
	}

	_ = q.cache.SetAdd(ctx, keyProcessing, jobID)
	defer q.cache.SetRemove(ctx, keyProcessing, jobID)

	q.execute(ctx, job)
}

func (q *Queue) execute(ctx context.Context, job types.Job) {
	handler, ok := q.handlers[job.Name]
	if !ok {
		q.logger.Error("no handler registered for job", "job", job.Name)
		q.fail(ctx, job, fmt.Errorf("no handler registered for %q", job.Name))
		return
	}

	now := time.Now().UTC()
	job.Status = types.JobRunning
	job.StartedAt = &now
	_ = q.saveJob(ctx, job)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(jobCtx, job)
	if err != nil {
		q.fail(ctx, job, err)
		return
	}

	completed := time.Now().UTC()
	job.Status = types.JobCompleted
	job.CompletedAt = &completed
	job.Result = result
	_ = q.saveJob(ctx, job)
	_ = q.cache.Set(ctx, keyResultPrefix+job.ID, result, jobResultTTL)
}

// fail applies the retry/DLQ policy: up to len(retryDelays) retries at
// the 120/240/480s cadence, then the job moves to the dead-letter queue.
func (q *Queue) fail(ctx context.Context, job types.Job, runErr error) {
	job.Error = runErr.Error()

	if job.RetryCount >= len(retryDelays) || job.RetryCount >= job.MaxRetries && job.MaxRetries > 0 {
		job.Status = types.JobFailed
		_ = q.saveJob(ctx, job)
		if err := q.cache.ListPush(ctx, keyDeadLetter, job); err != nil {
			q.logger.Error("push to dead letter queue failed", "job", job.ID, "error", err)
		}
		q.logger.Error("job moved to dead letter queue", "job", job.ID, "name", job.Name, "error", runErr)
		return
	}

	delay := retryDelays[job.RetryCount]
	job.RetryCount++
	job.Status = types.JobRetrying
	dueAt := time.Now().UTC().Add(delay)
	job.ScheduledAt = &dueAt
	_ = q.saveJob(ctx, job)

	if err := q.cache.SortedSetAdd(ctx, keyScheduled, float64(dueAt.UnixMilli()), job.ID); err != nil {
		q.logger.Error("reschedule retry failed", "job", job.ID, "error", err)
	}
	q.logger.Warn("job failed, retry scheduled", "job", job.ID, "attempt", job.RetryCount, "delay", delay, "error", runErr)
}

// ListDLQ returns every job currently parked in the dead-letter queue, for
// operators inspecting exhausted jobs.
func (q *Queue) ListDLQ(ctx context.Context) ([]types.Job, error) {
	raw, err := q.cache.ListRange(ctx, keyDeadLetter, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list dead letter queue: %w", err)
	}
	jobs := make([]types.Job, 0, len(raw))
	for _, r := range raw {
		var job types.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			q.logger.Error("decode dead letter job failed", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueFromDLQ pulls jobID out of the dead-letter queue and re-enqueues
// it with a clean retry count, the operator-initiated escape hatch for a
// job that exhausted its automatic retries.
func (q *Queue) RequeueFromDLQ(ctx context.Context, jobID string) error {
	raw, err := q.cache.ListRange(ctx, keyDeadLetter, 0, -1)
	if err != nil {
		return fmt.Errorf("list dead letter queue: %w", err)
	}
	for _, r := range raw {
		var job types.Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}
		if err := q.cache.ListRemove(ctx, keyDeadLetter, 1, r); err != nil {
			return fmt.Errorf("remove dead letter job: %w", err)
		}
		job.RetryCount = 0
		job.Status = types.JobPending
		job.Error = ""
		job.ScheduledAt = nil
		_, err = q.Enqueue(ctx, job)
		return err
	}
	return fmt.Errorf("job %s not found in dead letter queue", jobID)
}

// JobResult fetches the stored result for a completed job, if still
// within its TTL window.
func (q *Queue) JobResult(ctx context.Context, jobID string) (map[string]any, error) {
	var result map[string]any
	if err := q.cache.Get(ctx, keyResultPrefix+jobID, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// JobStatus fetches the current job record.
func (q *Queue) JobStatus(ctx context.Context, jobID string) (types.Job, error) {
	return q.loadJob(ctx, jobID)
}

// Cancel marks a pending or scheduled job cancelled. It cannot stop a job
// already executing in a worker goroutine.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobRunning || job.Status == types.JobCompleted {
		return fmt.Errorf("job %s cannot be cancelled in status %s", jobID, job.Status)
	}
	job.Status = types.JobCancelled
	_ = q.cache.SortedSetRemove(ctx, keyScheduled, jobID)
	return q.saveJob(ctx, job)
}
