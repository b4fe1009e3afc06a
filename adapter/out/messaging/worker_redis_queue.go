package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"

	"github.com/go-pkgz/pool"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// =============================================================================
// RedisQueue - durable JobQueue backed by Redis
// =============================================================================
//
// Layout under <prefix>:
//   job:<id>   hash with the envelope
//   waiting    ZSET, score = priority band (-100..100) + run-at ms
//   delayed    ZSET, score = run-at ms
//   active     ZSET, score = lease deadline ms
//   completed  ZSET, score = finished-at ms
//   failed     ZSET, score = finished-at ms
//   paused     flag
//
// A crashed process leaves its envelopes in active; once the lease expires
// any process moves them back to waiting (at-least-once delivery).

const (
	defaultQueuePrefix   = "inboxorcist"
	defaultLeaseDuration = 2 * time.Minute
	maxPriority          = 100
	reclaimBatch         = 100
)

// RedisQueueConfig holds durable queue configuration.
type RedisQueueConfig struct {
	Prefix       string
	Concurrency  int
	PollInterval time.Duration
	Retention    time.Duration
	Lease        time.Duration // handler lease, extended by heartbeat
}

// RedisQueue implements out.JobQueue on Redis.
type RedisQueue struct {
	client *redis.Client
	config RedisQueueConfig
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]out.JobHandler
	started  bool
	closed   bool

	workers  *pool.WorkerGroup[*out.QueuedJob]
	inflight atomic.Int32
	wake     chan struct{}
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
}

var _ out.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue creates a Redis-backed queue. The client is owned by the caller.
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig, log zerolog.Logger) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultQueuePrefix
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLeaseDuration
	}
	return &RedisQueue{
		client:   client,
		config:   cfg,
		log:      log.With().Str("component", "redis_queue").Logger(),
		now:      time.Now,
		handlers: make(map[string]out.JobHandler),
		wake:     make(chan struct{}, 1),
	}
}

func (q *RedisQueue) key(name string) string {
	return q.config.Prefix + ":" + name
}

func (q *RedisQueue) jobKey(id string) string {
	return q.config.Prefix + ":job:" + id
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.config.Prefix + ":job:"
}

// =============================================================================
// Scripts
// =============================================================================

var addScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) or redis.call('ZSCORE', KEYS[3], ARGV[1]) or redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3], 'attempt', 0,
  'max_attempts', ARGV[4], 'priority', ARGV[5], 'backoff_type', ARGV[6], 'backoff_delay', ARGV[7],
  'created_at', ARGV[8], 'run_at', ARGV[9])
if tonumber(ARGV[9]) > tonumber(ARGV[8]) then
  redis.call('ZADD', KEYS[3], ARGV[9], ARGV[1])
else
  redis.call('ZADD', KEYS[2], string.format('%.0f', tonumber(ARGV[5]) * 1e13 + tonumber(ARGV[9])), ARGV[1])
end
return 1
`)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 100)
for i = 1, #due, 2 do
  local id = due[i]
  local p = tonumber(redis.call('HGET', ARGV[3] .. id, 'priority') or '0')
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], string.format('%.0f', p * 1e13 + tonumber(due[i + 1])), id)
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[3] .. id
if redis.call('EXISTS', key) == 0 then
  return false
end
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('ZADD', KEYS[3], string.format('%.0f', now + tonumber(ARGV[2])), id)
return redis.call('HGETALL', key)
`)

var reclaimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, id in ipairs(expired) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')
  local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
  if attempt >= maxAttempts then
    redis.call('HSET', key, 'error', 'lease expired', 'finished_at', ARGV[1])
    redis.call('ZADD', KEYS[3], ARGV[1], id)
  else
    local p = tonumber(redis.call('HGET', key, 'priority') or '0')
    redis.call('ZADD', KEYS[2], string.format('%.0f', p * 1e13 + now), id)
  end
end
return #expired
`)

var finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[4], 'error', ARGV[3])
if tonumber(ARGV[4]) >= 0 then
  redis.call('HSET', KEYS[4], 'run_at', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 2
`)

var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[3], 'attempt', -1)
local p = tonumber(redis.call('HGET', KEYS[3], 'priority') or '0')
redis.call('ZADD', KEYS[2], string.format('%.0f', p * 1e13 + tonumber(ARGV[2])), ARGV[1])
return 1
`)

var removeScript = redis.NewScript(`
local n = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if n > 0 then
  redis.call('DEL', KEYS[3])
  return 1
end
return 0
`)

var pruneScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, 500)
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[2] .. id)
    redis.call('ZREM', KEYS[i], id)
  end
  n = n + #ids
end
return n
`)

// =============================================================================
// JobQueue
// =============================================================================

// Add enqueues a job. Adding an ID that is waiting, delayed or active is a
// no-op; a finished ID is replaced.
func (q *RedisQueue) Add(ctx context.Context, jobType string, payload any, opts *out.AddJobOptions) (string, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return "", out.ErrQueueClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	o := opts.Normalize()
	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}

	now := q.now()
	keys := []string{
		q.jobKey(id), q.key("waiting"), q.key("delayed"),
		q.key("active"), q.key("completed"), q.key("failed"),
	}
	args := []any{
		id, jobType, string(raw), o.Attempts, max(min(o.Priority, maxPriority), -maxPriority),
		string(o.Backoff.Type), o.Backoff.Delay.Milliseconds(),
		now.UnixMilli(), now.Add(o.Delay).UnixMilli(),
	}
	added, err := addScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return "", fmt.Errorf("add %s job: %w", jobType, err)
	}
	if added == 1 {
		q.signal()
	}
	return id, nil
}

// Process registers the handler for jobType. Register before Start.
func (q *RedisQueue) Process(jobType string, handler out.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", out.ErrHandlerExists, jobType)
	}
	q.handlers[jobType] = handler
	return nil
}

// Start launches the worker group and the dispatcher loop.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return out.ErrQueueClosed
	}
	if q.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	q.workers = pool.New[*out.QueuedJob](q.config.Concurrency, &queueWorker{queue: q}).
		WithBatchSize(1).
		WithWorkerChanSize(1).
		WithContinueOnError()
	if err := q.workers.Go(ctx); err != nil {
		cancel()
		return fmt.Errorf("start redis queue workers: %w", err)
	}

	q.cancel = cancel
	q.started = true
	q.loopWg.Add(1)
	go q.run(ctx)

	q.log.Info().
		Str("prefix", q.config.Prefix).
		Int("concurrency", q.config.Concurrency).
		Dur("lease", q.config.Lease).
		Msg("redis queue started")
	return nil
}

// queueWorker implements pool.Worker for claimed envelopes.
type queueWorker struct {
	queue *RedisQueue
}

func (w *queueWorker) Do(ctx context.Context, job *out.QueuedJob) error {
	defer func() {
		w.queue.inflight.Add(-1)
		w.queue.signal()
	}()
	w.queue.execute(ctx, job)
	return nil
}

func (q *RedisQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the single dispatcher: it claims while below the concurrency ceiling
// and is the only goroutine submitting to the worker group.
func (q *RedisQueue) run(ctx context.Context) {
	defer q.loopWg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	maintenance := time.NewTicker(max(q.config.Lease/4, q.config.PollInterval))
	defer maintenance.Stop()

	q.maintain(ctx)
	for {
		for int(q.inflight.Load()) < q.config.Concurrency {
			job, err := q.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error().Err(err).Msg("claim failed")
				}
				break
			}
			if job == nil {
				break
			}
			q.inflight.Add(1)
			q.workers.Submit(job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		case <-maintenance.C:
			q.maintain(ctx)
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*out.QueuedJob, error) {
	keys := []string{q.key("waiting"), q.key("delayed"), q.key("active"), q.key("paused")}
	res, err := claimScript.Run(ctx, q.client, keys,
		q.now().UnixMilli(), q.config.Lease.Milliseconds(), q.jobKeyPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return decodeJobHash(res)
}

// maintain reclaims expired leases and prunes finished jobs past retention.
func (q *RedisQueue) maintain(ctx context.Context) {
	now := q.now()
	reclaimed, err := reclaimScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("waiting"), q.key("failed")},
		now.UnixMilli(), q.jobKeyPrefix(), reclaimBatch).Int()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn().Err(err).Msg("reclaim expired leases failed")
		}
		return
	}
	if reclaimed > 0 {
		q.log.Warn().Int("count", reclaimed).Msg("reclaimed jobs with expired leases")
	}

	cutoff := now.Add(-q.config.Retention).UnixMilli()
	if _, err := pruneScript.Run(ctx, q.client,
		[]string{q.key("completed"), q.key("failed")},
		cutoff, q.jobKeyPrefix()).Int(); err != nil && ctx.Err() == nil {
		q.log.Warn().Err(err).Msg("prune finished jobs failed")
	}
}

func (q *RedisQueue) execute(ctx context.Context, job *out.QueuedJob) {
	log := q.log.With().Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.Attempt).Logger()

	q.mu.RLock()
	handler := q.handlers[job.Type]
	q.mu.RUnlock()

	var err error
	if handler == nil {
		err = fmt.Errorf("%w: %s", out.ErrNoHandler, job.Type)
	} else {
		stop := q.heartbeat(ctx, job.ID)
		err = runHandler(ctx, handler, job)
		stop()
	}

	// the dispatcher context may already be cancelled; finish bookkeeping anyway
	bg := context.WithoutCancel(ctx)
	now := q.now()

	switch {
	case err == nil:
		if err := finishScript.Run(bg, q.client,
			[]string{q.key("active"), q.key("completed"), q.jobKey(job.ID)},
			job.ID, now.UnixMilli()).Err(); err != nil {
			log.Error().Err(err).Msg("mark job completed failed")
			return
		}
		log.Debug().Msg("job completed")

	case ctx.Err() != nil:
		if err := releaseScript.Run(bg, q.client,
			[]string{q.key("active"), q.key("waiting"), q.jobKey(job.ID)},
			job.ID, now.UnixMilli()).Err(); err != nil {
			log.Error().Err(err).Msg("release job failed")
			return
		}
		log.Info().Msg("job released on shutdown")

	default:
		retryAt := int64(-1)
		if job.Attempt < job.MaxAttempts {
			retryAt = now.Add(job.Backoff.DelayFor(job.Attempt)).UnixMilli()
		}
		if ferr := failScript.Run(bg, q.client,
			[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)},
			job.ID, now.UnixMilli(), err.Error(), retryAt).Err(); ferr != nil {
			log.Error().Err(ferr).AnErr("cause", err).Msg("record job failure failed")
			return
		}
		if retryAt >= 0 {
			log.Warn().Err(err).Time("retry_at", time.UnixMilli(retryAt)).Msg("job failed, scheduled retry")
		} else {
			log.Error().Err(err).Msg("job failed")
		}
	}
}

// heartbeat extends the lease of an active job until stop is called.
func (q *RedisQueue) heartbeat(ctx context.Context, id string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.config.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				deadline := float64(q.now().Add(q.config.Lease).UnixMilli())
				if err := q.client.ZAddXX(hbCtx, q.key("active"), redis.Z{Score: deadline, Member: id}).Err(); err != nil && hbCtx.Err() == nil {
					q.log.Warn().Err(err).Str("job_id", id).Msg("lease heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Status reports queue counts. Delayed jobs count as waiting.
func (q *RedisQueue) Status(ctx context.Context) (out.QueueStatus, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	paused := pipe.Exists(ctx, q.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return out.QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	return out.QueueStatus{
		Waiting:   int(waiting.Val() + delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
		Paused:    paused.Val() == 1,
	}, nil
}

// Pause stops claiming in every process sharing the prefix.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key("paused")).Err(); err != nil {
		return err
	}
	q.signal()
	return nil
}

// Remove drops a waiting or delayed job. Active and unknown jobs return false.
func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("delayed"), q.jobKey(id)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	return n == 1, nil
}

// Close stops claiming, cancels running handlers and waits for them to
// release or finish their envelopes.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, started := q.cancel, q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	cancel()
	q.loopWg.Wait()

	if err := q.workers.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close redis queue workers: %w", err)
	}
	q.log.Info().Msg("redis queue closed")
	return nil
}

// =============================================================================
// Envelope decoding
// =============================================================================

func decodeJobHash(flat []string) (*out.QueuedJob, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("malformed job hash (%d fields)", len(flat))
	}
	h := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		h[flat[i]] = flat[i+1]
	}

	job := &out.QueuedJob{
		ID:      h["id"],
		Type:    h["type"],
		Payload: json.RawMessage(h["payload"]),
		Backoff: out.BackoffOptions{Type: out.BackoffType(h["backoff_type"])},
	}
	var err error
	ints := []struct {
		field string
		dst   *int
	}{
		{"attempt", &job.Attempt},
		{"max_attempts", &job.MaxAttempts},
		{"priority", &job.Priority},
	}
	for _, f := range ints {
		if *f.dst, err = atoiField(h, f.field); err != nil {
			return nil, err
		}
	}

	delayMs, err := atoi64Field(h, "backoff_delay")
	if err != nil {
		return nil, err
	}
	job.Backoff.Delay = time.Duration(delayMs) * time.Millisecond

	createdMs, err := atoi64Field(h, "created_at")
	if err != nil {
		return nil, err
	}
	runMs, err := atoi64Field(h, "run_at")
	if err != nil {
		return nil, err
	}
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.RunAt = time.UnixMilli(runMs).UTC()
	return job, nil
}

func atoiField(h map[string]string, field string) (int, error) {
	v, err := atoi64Field(h, field)
	return int(v), err
}

func atoi64Field(h map[string]string, field string) (int64, error) {
	raw, ok := h[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("job hash field %s: %w", field, err)
	}
	return v, nil
}
