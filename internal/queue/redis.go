package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/pkg/metrics"
)

const (
	claimTimeout = time.Second
	promoteBatch = 100

	errStalledTooOften = "job stalled more than allowable limit"
)

// finishScript moves an active job into a finished zset (completed, failed or
// delayed) if the caller still holds its lock.
// KEYS: active, target zset, job hash, lock. ARGV: id, token, score, field/value pairs.
var finishScript = redis.NewScript(`
if redis.call("GET", KEYS[4]) ~= ARGV[2] then return 0 end
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then return 0 end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
for i = 4, #ARGV, 2 do
  redis.call("HSET", KEYS[3], ARGV[i], ARGV[i + 1])
end
redis.call("DEL", KEYS[4])
return 1
`)

// promoteScript moves due delayed jobs to the wait list.
// KEYS: delayed, wait. ARGV: now (ms), limit.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
for _, id in ipairs(ids) do
  if redis.call("ZREM", KEYS[1], id) == 1 then
    redis.call("LPUSH", KEYS[2], id)
  end
end
return #ids
`)

// renewScript extends a lock only if the token still matches.
// KEYS: lock. ARGV: token, ttl (ms).
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// enqueueScript stores a job unless one with the same id already exists.
// KEYS: job hash, wait. ARGV: id, field/value pairs.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
for i = 2, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// recoverScript returns a stalled job to the head of the wait list, or moves
// it to failed once it has stalled more than the allowed number of times.
// KEYS: active, wait, lock, job hash, failed. ARGV: id, max stalled, now (ms), reason.
var recoverScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then return 0 end
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then return 0 end
local stalled = redis.call("HINCRBY", KEYS[4], "stalledCount", 1)
if stalled > tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[5], ARGV[3], ARGV[1])
  redis.call("HSET", KEYS[4], "failedReason", ARGV[4], "finishedOn", ARGV[3])
  return 2
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// failActiveScript moves a job that cannot be decoded from active to failed.
// KEYS: active, failed, job hash, lock. ARGV: id, now (ms), reason.
var failActiveScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then return 0 end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "failedReason", ARGV[3], "finishedOn", ARGV[2])
redis.call("DEL", KEYS[4])
return 1
`)

// RedisQueue stores jobs in Redis so that they survive process restarts and
// can be shared by several worker processes.
//
// Layout under "<prefix>:<name>:": wait (list, consumed from the right), active
// (list), delayed/completed/failed (zsets scored by time in ms), job:<id> (hash)
// and job:<id>:lock (string with TTL).
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	// stalled candidates seen without a lock on the previous check
	suspects map[string]struct{}
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps an existing client. The queue does not own the client.
func NewRedisQueue(client *redis.Client, cfg Config, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &RedisQueue{
		client:   client,
		cfg:      cfg,
		logger:   logger.With(zap.String("queue", cfg.Name)),
		suspects: make(map[string]struct{}),
	}
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.cfg.Prefix + ":" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id string) string  { return q.key("job", id) }
func (q *RedisQueue) lockKey(id string) string { return q.key("job", id, "lock") }

// Enqueue stores the job hash and pushes its id onto the wait list atomically.
// If a job with the same id is already stored, that job is returned instead.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, data any, opts ...Option) (*Job, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	job, err := newJob(name, data, q.cfg, opts)
	if err != nil {
		return nil, err
	}
	fields, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, 1+2*len(fields))
	args = append(args, job.ID)
	for k, v := range fields {
		args = append(args, k, v)
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.jobKey(job.ID), q.key("wait")}, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	if added == 0 {
		q.logger.Debug("Job already enqueued", zap.String("job_id", job.ID))
		return q.Job(ctx, job.ID)
	}
	metrics.QueueJobs.WithLabelValues(q.cfg.Name, "enqueued").Inc()
	return job, nil
}

// Process runs concurrency workers plus one maintenance loop until ctx is
// cancelled. Claimed jobs finish under a context that outlives ctx.
func (q *RedisQueue) Process(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.maintain(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx, jobCtx, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (q *RedisQueue) workerLoop(ctx, jobCtx context.Context, handler Handler) {
	for ctx.Err() == nil {
		job, token, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to claim job", zap.Error(err))
			sleepCtx(ctx, claimTimeout)
			continue
		}
		if job == nil {
			continue
		}
		q.run(jobCtx, handler, job, token)
	}
}

// claim blocks up to claimTimeout for a job and locks it.
func (q *RedisQueue) claim(ctx context.Context) (*Job, string, error) {
	id, err := q.client.BRPopLPush(ctx, q.key("wait"), q.key("active"), claimTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	// Past this point the job is ours even if ctx ends.
	bg := context.WithoutCancel(ctx)
	token := uuid.NewString()
	if err := q.client.Set(bg, q.lockKey(id), token, q.cfg.LockDuration).Err(); err != nil {
		return nil, "", fmt.Errorf("lock job %s: %w", id, err)
	}
	fields, err := q.client.HGetAll(bg, q.jobKey(id)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		q.logger.Warn("Dropping job with no stored data", zap.String("job_id", id))
		q.client.LRem(bg, q.key("active"), 0, id)
		q.client.Del(bg, q.lockKey(id))
		return nil, "", nil
	}
	job, err := decodeJob(id, fields)
	if err != nil {
		q.logger.Error("Failing undecodable job", zap.String("job_id", id), zap.Error(err))
		keys := []string{q.key("active"), q.key("failed"), q.jobKey(id), q.lockKey(id)}
		if ferr := failActiveScript.Run(bg, q.client, keys, id, time.Now().UnixMilli(), err.Error()).Err(); ferr != nil {
			return nil, "", fmt.Errorf("fail job %s: %w", id, ferr)
		}
		metrics.QueueJobs.WithLabelValues(q.cfg.Name, "failed").Inc()
		return nil, "", nil
	}
	return job, token, nil
}

func (q *RedisQueue) run(ctx context.Context, handler Handler, job *Job, token string) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	go q.renewLock(renewCtx, job.ID, token)

	herr := runHandler(ctx, handler, job)
	stopRenew()

	if err := q.finish(ctx, job, token, herr); err != nil {
		q.logger.Error("Failed to record job outcome", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *RedisQueue) renewLock(ctx context.Context, id, token string) {
	interval := q.cfg.LockDuration / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := renewScript.Run(ctx, q.client, []string{q.lockKey(id)}, token, q.cfg.LockDuration.Milliseconds()).Err()
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to renew job lock", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

func (q *RedisQueue) finish(ctx context.Context, job *Job, token string, herr error) error {
	now := time.Now()
	target, score, event := q.key("completed"), now.UnixMilli(), "completed"
	var fields []any

	if herr == nil {
		fields = []any{"finishedOn", now.UnixMilli()}
	} else {
		retry, delay := job.outcome(herr)
		fields = []any{"attemptsMade", job.AttemptsMade, "failedReason", job.FailedReason}
		if retry {
			target, score, event = q.key("delayed"), now.Add(delay).UnixMilli(), "retried"
		} else {
			target, event = q.key("failed"), "failed"
			fields = append(fields, "finishedOn", now.UnixMilli())
		}
	}

	keys := []string{q.key("active"), target, q.jobKey(job.ID), q.lockKey(job.ID)}
	args := append([]any{job.ID, token, score}, fields...)
	moved, err := finishScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		q.logger.Warn("Lost lock before finishing job", zap.String("job_id", job.ID))
		return nil
	}

	metrics.QueueJobs.WithLabelValues(q.cfg.Name, event).Inc()
	switch event {
	case "failed":
		q.logger.Warn("Job abandoned",
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Error(herr))
	case "retried":
		q.logger.Debug("Job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", job.AttemptsMade))
	}
	return nil
}

func (q *RedisQueue) maintain(ctx context.Context) {
	promote := time.NewTicker(q.cfg.PromoteInterval)
	defer promote.Stop()
	stalled := time.NewTicker(q.cfg.StalledInterval)
	defer stalled.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
			}
		case <-stalled.C:
			if _, err := q.recoverStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to check stalled jobs", zap.Error(err))
			}
			if err := q.prune(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to prune finished jobs", zap.Error(err))
			}
		}
	}
}

// promoteDelayed moves due jobs from delayed to wait.
func (q *RedisQueue) promoteDelayed(ctx context.Context) (int, error) {
	keys := []string{q.key("delayed"), q.key("wait")}
	return promoteScript.Run(ctx, q.client, keys, time.Now().UnixMilli(), promoteBatch).Int()
}

// recoverStalled requeues active jobs whose lock was missing on this and the
// previous check. A job that stalls more than MaxStalled times is failed.
func (q *RedisQueue) recoverStalled(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	previous := q.suspects
	q.mu.Unlock()

	current := make(map[string]struct{})
	recovered := 0
	for _, id := range ids {
		n, err := q.client.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return recovered, err
		}
		if n > 0 {
			continue
		}
		if _, seen := previous[id]; !seen {
			current[id] = struct{}{}
			continue
		}
		keys := []string{q.key("active"), q.key("wait"), q.lockKey(id), q.jobKey(id), q.key("failed")}
		res, err := recoverScript.Run(ctx, q.client, keys,
			id, q.cfg.MaxStalled, time.Now().UnixMilli(), errStalledTooOften).Int()
		if err != nil {
			return recovered, err
		}
		switch res {
		case 1:
			recovered++
			metrics.QueueStalledRecovered.WithLabelValues(q.cfg.Name).Inc()
			q.logger.Warn("Recovered stalled job", zap.String("job_id", id))
		case 2:
			metrics.QueueJobs.WithLabelValues(q.cfg.Name, "failed").Inc()
			q.logger.Error("Job stalled too often, failing it",
				zap.String("job_id", id),
				zap.Int("max_stalled", q.cfg.MaxStalled))
		}
	}

	q.mu.Lock()
	q.suspects = current
	q.mu.Unlock()
	return recovered, nil
}

// prune drops finished jobs older than the retention window.
func (q *RedisQueue) prune(ctx context.Context) error {
	cutoff := strconv.FormatInt(time.Now().Add(-q.cfg.Retention).UnixMilli(), 10)
	for _, set := range []string{q.key("completed"), q.key("failed")} {
		ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range ids {
				p.Del(ctx, q.jobKey(id))
			}
			p.ZRemRangeByScore(ctx, set, "-inf", cutoff)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Counts reads list and zset sizes in one round trip.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var wait, active *redis.IntCmd
	var delayed, completed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.LLen(ctx, q.key("wait"))
		active = p.LLen(ctx, q.key("active"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		completed = p.ZCard(ctx, q.key("completed"))
		failed = p.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Job loads a stored job by id.
func (q *RedisQueue) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return decodeJob(id, fields)
}

// Close rejects further enqueues. The client stays open.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
