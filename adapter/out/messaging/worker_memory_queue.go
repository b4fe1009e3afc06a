package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// MemoryQueue - single-node, in-process JobQueue
// =============================================================================
//
// Envelopes live only in memory and are lost on restart; the durable Job rows
// are re-queued by startup recovery.

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 3
	defaultRetention    = 24 * time.Hour
	memoryHistoryLimit  = 100
)

// MemoryQueueConfig holds in-process queue configuration.
type MemoryQueueConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Retention    time.Duration
}

type memoryJob struct {
	job *out.QueuedJob
	seq uint64
}

type finishedJob struct {
	id         string
	jobType    string
	err        string
	finishedAt time.Time
}

// MemoryQueue implements out.JobQueue.
type MemoryQueue struct {
	config MemoryQueueConfig
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	handlers  map[string]out.JobHandler
	waiting   []*memoryJob
	active    map[string]*out.QueuedJob
	completed []finishedJob
	failed    []finishedJob
	doneCount int
	failCount int
	seq       uint64
	paused    bool
	started   bool
	closed    bool

	cancel context.CancelFunc
	loopWg sync.WaitGroup
	jobsWg sync.WaitGroup
}

var _ out.JobQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(cfg MemoryQueueConfig, log zerolog.Logger) *MemoryQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &MemoryQueue{
		config:   cfg,
		log:      log.With().Str("component", "memory_queue").Logger(),
		now:      time.Now,
		handlers: make(map[string]out.JobHandler),
		active:   make(map[string]*out.QueuedJob),
	}
}

// Add enqueues a job. Adding an ID that is still waiting or active is a no-op.
func (q *MemoryQueue) Add(_ context.Context, jobType string, payload any, opts *out.AddJobOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	o := opts.Normalize()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", out.ErrQueueClosed
	}

	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	} else if q.hasLocked(id) {
		return id, nil
	}

	now := q.now()
	q.pushLocked(&out.QueuedJob{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: o.Attempts,
		Priority:    o.Priority,
		Backoff:     o.Backoff,
		CreatedAt:   now,
		RunAt:       now.Add(o.Delay),
	})
	return id, nil
}

func (q *MemoryQueue) hasLocked(id string) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	for _, w := range q.waiting {
		if w.job.ID == id {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) pushLocked(job *out.QueuedJob) {
	q.seq++
	q.waiting = append(q.waiting, &memoryJob{job: job, seq: q.seq})
}

// Process registers the handler for jobType.
func (q *MemoryQueue) Process(jobType string, handler out.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", out.ErrHandlerExists, jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// Start launches the poll loop.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return out.ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.loopWg.Add(1)
	go q.run(ctx)

	q.log.Info().
		Int("concurrency", q.config.Concurrency).
		Dur("poll_interval", q.config.PollInterval).
		Msg("memory queue started")
	return nil
}

func (q *MemoryQueue) run(ctx context.Context) {
	defer q.loopWg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch starts eligible jobs while below the concurrency ceiling.
func (q *MemoryQueue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	if q.paused || q.closed {
		return
	}

	for len(q.active) < q.config.Concurrency {
		idx := q.nextEligibleLocked()
		if idx < 0 {
			return
		}
		job := q.waiting[idx].job
		q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)

		job.Attempt++
		q.active[job.ID] = job
		handler := q.handlers[job.Type]

		q.jobsWg.Add(1)
		go q.execute(ctx, job, handler)
	}
}

// nextEligibleLocked returns the index of the due job with the lowest
// priority value, then earliest run time, then insertion order.
func (q *MemoryQueue) nextEligibleLocked() int {
	now := q.now()
	best := -1
	for i, w := range q.waiting {
		if w.job.RunAt.After(now) {
			continue
		}
		if best < 0 || lessJob(w, q.waiting[best]) {
			best = i
		}
	}
	return best
}

func lessJob(a, b *memoryJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) execute(ctx context.Context, job *out.QueuedJob, handler out.JobHandler) {
	defer q.jobsWg.Done()

	var err error
	if handler == nil {
		err = fmt.Errorf("%w: %s", out.ErrNoHandler, job.Type)
	} else {
		err = runHandler(ctx, handler, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)

	now := q.now()
	if err == nil {
		q.doneCount++
		q.completed = appendHistory(q.completed, finishedJob{id: job.ID, jobType: job.Type, finishedAt: now})
		q.log.Debug().Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.Attempt).Msg("job completed")
		return
	}

	if job.Attempt < job.MaxAttempts && ctx.Err() == nil {
		// same ID so Remove and Add dedup still find the retry
		delay := job.Backoff.DelayFor(job.Attempt)
		retryJob := *job
		retryJob.RunAt = now.Add(delay)
		q.pushLocked(&retryJob)
		q.log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("type", job.Type).
			Int("attempt", job.Attempt).
			Dur("delay", delay).
			Msg("job failed, re-enqueued")
		return
	}

	q.failCount++
	q.failed = appendHistory(q.failed, finishedJob{id: job.ID, jobType: job.Type, err: err.Error(), finishedAt: now})
	q.log.Error().Err(err).Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.Attempt).Msg("job failed")
}

func appendHistory(h []finishedJob, f finishedJob) []finishedJob {
	h = append(h, f)
	if len(h) > memoryHistoryLimit {
		h = h[len(h)-memoryHistoryLimit:]
	}
	return h
}

func (q *MemoryQueue) pruneLocked() {
	cutoff := q.now().Add(-q.config.Retention)
	q.completed, q.doneCount = pruneHistory(q.completed, q.doneCount, cutoff)
	q.failed, q.failCount = pruneHistory(q.failed, q.failCount, cutoff)
}

func pruneHistory(h []finishedJob, count int, cutoff time.Time) ([]finishedJob, int) {
	drop := 0
	for drop < len(h) && h[drop].finishedAt.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return h, count
	}
	return h[drop:], max(0, count-drop)
}

// Status reports queue counts. Delayed jobs count as waiting.
func (q *MemoryQueue) Status(context.Context) (out.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()
	return out.QueueStatus{
		Waiting:   len(q.waiting),
		Active:    len(q.active),
		Completed: q.doneCount,
		Failed:    q.failCount,
		Paused:    q.paused,
	}, nil
}

func (q *MemoryQueue) Pause(context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Resume(context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}

// Remove drops a waiting job. Active and unknown jobs return false.
func (q *MemoryQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiting {
		if w.job.ID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Close stops dispatching and waits for running handlers until ctx is done.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		q.jobsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info().Msg("memory queue closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close memory queue: %w", ctx.Err())
	}
}

// runHandler calls handler, turning a panic into an error.
func runHandler(ctx context.Context, handler out.JobHandler, job *out.QueuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
