package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T, cfg RedisQueueConfig) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	cfg.Prefix = "test"
	q := NewRedisQueue(client, cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, mr
}

// fixedClock lets tests move time without sleeping.
type fixedClock struct {
	ns atomic.Int64
}

func newFixedClock(t time.Time) *fixedClock {
	c := &fixedClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fixedClock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *fixedClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func TestRedisQueue_AddAndProcess(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{Concurrency: 2})
	ctx := context.Background()

	got := make(chan testPayload, 1)
	require.NoError(t, q.Process("t", func(_ context.Context, job *out.QueuedJob) error {
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		got <- p
		return nil
	}))

	id, err := q.Add(ctx, "t", testPayload{N: 7}, &out.AddJobOptions{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	require.NoError(t, q.Start(ctx))

	select {
	case p := <-got:
		assert.Equal(t, 7, p.N)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dispatched")
	}

	require.Eventually(t, func() bool {
		s, err := q.Status(ctx)
		return err == nil && s.Completed == 1 && s.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisQueue_AddDeduplicatesUnfinishedJobs(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{})
	ctx := context.Background()

	_, err := q.Add(ctx, "t", testPayload{N: 1}, &out.AddJobOptions{JobID: "job-1"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "t", testPayload{N: 2}, &out.AddJobOptions{JobID: "job-1"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "t", testPayload{N: 3}, &out.AddJobOptions{JobID: "job-2", Delay: time.Hour})
	require.NoError(t, err)

	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Waiting, "delayed jobs count as waiting")

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	var p testPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, 1, p.N, "duplicate add must not overwrite the payload")
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, out.DefaultJobAttempts, job.MaxAttempts)
}

func TestRedisQueue_ClaimOrder(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{})
	ctx := context.Background()
	clock := newFixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	q.now = clock.Now

	add := func(id string, priority int) {
		_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: id, Priority: priority})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	add("low-first", 5)
	add("high-first", 1)
	add("high-second", 1)
	add("urgent", -3)
	add("clamped", -500)

	var order []string
	for {
		job, err := q.claim(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"clamped", "urgent", "high-first", "high-second", "low-first"}, order)
}

func TestRedisQueue_DelayedJobNotClaimedEarly(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{})
	ctx := context.Background()
	clock := newFixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	q.now = clock.Now

	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "later", Delay: time.Minute})
	require.NoError(t, err)

	job, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Minute)
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestRedisQueue_RetryThenComplete(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{Concurrency: 1})
	ctx := context.Background()

	var mu sync.Mutex
	var attempts []int
	require.NoError(t, q.Process("t", func(_ context.Context, job *out.QueuedJob) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, job.Attempt)
		if len(attempts) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{
		Attempts: 3,
		Backoff:  out.BackoffOptions{Type: out.BackoffFixed, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool {
		s, err := q.Status(ctx)
		return err == nil && s.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestRedisQueue_ExhaustedJobFails(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{Concurrency: 1})
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Process("t", func(context.Context, *out.QueuedJob) error {
		calls.Add(1)
		return errors.New("always")
	}))
	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{
		Attempts: 2,
		Backoff:  out.BackoffOptions{Type: out.BackoffFixed, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool {
		s, err := q.Status(ctx)
		return err == nil && s.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRedisQueue_ConcurrencyCeiling(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{Concurrency: 2})
	ctx := context.Background()

	var running, peak, done atomic.Int32
	require.NoError(t, q.Process("t", func(context.Context, *out.QueuedJob) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil
	}))
	for i := 0; i < 6; i++ {
		_, err := q.Add(ctx, "t", testPayload{N: i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool { return done.Load() == 6 }, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRedisQueue_RemoveAndPause(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{})
	ctx := context.Background()

	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "b", Delay: time.Hour})
	require.NoError(t, err)

	removed, err := q.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = q.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = q.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "c"})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "paused queue must not hand out jobs")

	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.Paused)

	require.NoError(t, q.Resume(ctx))
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	removed, err = q.Remove(ctx, "c")
	require.NoError(t, err)
	assert.False(t, removed, "active jobs cannot be removed")
}

func TestRedisQueue_ReclaimsExpiredLease(t *testing.T) {
	q, mr := setupRedisQueue(t, RedisQueueConfig{Lease: time.Minute})
	ctx := context.Background()
	clock := newFixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	q.now = clock.Now

	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "crashed", Attempts: 2})
	require.NoError(t, err)
	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.Advance(30 * time.Second)
	q.maintain(ctx)
	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Active, "lease still valid")

	clock.Advance(time.Minute)
	q.maintain(ctx)
	s, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Waiting)

	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)

	// out of attempts: the next expiry fails the job
	clock.Advance(2 * time.Minute)
	q.maintain(ctx)
	s, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, "lease expired", mr.HGet("test:job:crashed", "error"))
}

func TestRedisQueue_PrunesFinishedJobs(t *testing.T) {
	q, mr := setupRedisQueue(t, RedisQueueConfig{Retention: time.Hour})
	ctx := context.Background()
	clock := newFixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	q.now = clock.Now

	_, err := q.Add(ctx, "t", testPayload{}, &out.AddJobOptions{JobID: "done"})
	require.NoError(t, err)
	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NoError(t, finishScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID)},
		job.ID, clock.Now().UnixMilli()).Err())

	q.maintain(ctx)
	assert.True(t, mr.Exists("test:job:done"))

	clock.Advance(2 * time.Hour)
	q.maintain(ctx)
	assert.False(t, mr.Exists("test:job:done"))
	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Completed)
}

func TestRedisQueue_AddReplacesFinishedJob(t *testing.T) {
	q, _ := setupRedisQueue(t, RedisQueueConfig{})
	ctx := context.Background()

	_, err := q.Add(ctx, "t", testPayload{N: 1}, &out.AddJobOptions{JobID: "x"})
	require.NoError(t, err)
	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NoError(t, finishScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID)},
		job.ID, time.Now().UnixMilli()).Err())

	_, err = q.Add(ctx, "t", testPayload{N: 2}, &out.AddJobOptions{JobID: "x"})
	require.NoError(t, err)

	s, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Waiting)
	assert.Zero(t, s.Completed)

	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)
}

func TestDecodeJobHash_Malformed(t *testing.T) {
	_, err := decodeJobHash([]string{"id"})
	assert.Error(t, err)

	_, err = decodeJobHash([]string{"id", "x", "attempt", "nope"})
	assert.Error(t, err)
}
