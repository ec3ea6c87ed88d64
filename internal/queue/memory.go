package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/pkg/metrics"
)

type delayedEntry struct {
	readyAt time.Time
	seq     uint64
	id      string
}

func delayedLess(a, b delayedEntry) bool {
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

// MemoryQueue keeps jobs in process memory. It shares the retry and backoff
// semantics of RedisQueue but loses everything on restart.
type MemoryQueue struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	wait      []string
	active    map[string]struct{}
	delayed   *btree.BTreeG[delayedEntry]
	completed map[string]time.Time
	failed    map[string]time.Time
	seq       uint64
	closed    bool

	wake chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(cfg Config, logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		cfg:       cfg,
		logger:    logger.With(zap.String("queue", cfg.Name)),
		jobs:      make(map[string]*Job),
		active:    make(map[string]struct{}),
		delayed:   btree.NewBTreeG[delayedEntry](delayedLess),
		completed: make(map[string]time.Time),
		failed:    make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the tail of the wait list. An id that is already
// stored returns the stored job.
func (q *MemoryQueue) Enqueue(_ context.Context, name string, data any, opts ...Option) (*Job, error) {
	job, err := newJob(name, data, q.cfg, opts)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := q.jobs[job.ID]; ok {
		snapshot := *existing
		q.mu.Unlock()
		return &snapshot, nil
	}
	stored := *job
	q.jobs[job.ID] = &stored
	q.wait = append(q.wait, job.ID)
	q.mu.Unlock()

	q.signal()
	metrics.QueueJobs.WithLabelValues(q.cfg.Name, "enqueued").Inc()
	return job, nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// promote moves due delayed jobs to the wait list and returns the time the
// next one becomes due, or zero.
func (q *MemoryQueue) promote(now time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		next, ok := q.delayed.Min()
		if !ok {
			return time.Time{}
		}
		if next.readyAt.After(now) {
			return next.readyAt
		}
		q.delayed.Delete(next)
		q.wait = append(q.wait, next.id)
	}
}

// claim pops the head of the wait list into the active set.
func (q *MemoryQueue) claim() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.wait) == 0 {
		return nil, false
	}
	id := q.wait[0]
	q.wait = q.wait[1:]
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	q.active[id] = struct{}{}
	snapshot := *job
	return &snapshot, true
}

func (q *MemoryQueue) finish(job *Job, herr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return
	}
	now := time.Now()

	if herr == nil {
		q.completed[job.ID] = now
		metrics.QueueJobs.WithLabelValues(q.cfg.Name, "completed").Inc()
		return
	}

	retry, delay := stored.outcome(herr)
	if !retry {
		q.failed[job.ID] = now
		metrics.QueueJobs.WithLabelValues(q.cfg.Name, "failed").Inc()
		q.logger.Warn("Job abandoned",
			zap.String("job_id", job.ID),
			zap.Int("attempts_made", stored.AttemptsMade),
			zap.Error(herr))
		return
	}
	q.seq++
	q.delayed.Set(delayedEntry{readyAt: now.Add(delay), seq: q.seq, id: job.ID})
	metrics.QueueJobs.WithLabelValues(q.cfg.Name, "retried").Inc()
	q.logger.Debug("Job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempts_made", stored.AttemptsMade),
		zap.Duration("delay", delay))
}

// Process runs workers until ctx is cancelled, then waits for in-flight jobs.
func (q *MemoryQueue) Process(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
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

func (q *MemoryQueue) workerLoop(ctx, jobCtx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		nextDue := q.promote(time.Now())
		if job, ok := q.claim(); ok {
			err := runHandler(jobCtx, handler, job)
			q.finish(job, err)
			// Let sibling workers see what this one left behind.
			q.signal()
			continue
		}

		wait := q.cfg.PromoteInterval
		if !nextDue.IsZero() {
			if d := time.Until(nextDue); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Counts reports jobs per state. Finished jobs older than the retention are pruned first.
func (q *MemoryQueue) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(time.Now().Add(-q.cfg.Retention))
	return Counts{
		Waiting:   int64(len(q.wait)),
		Active:    int64(len(q.active)),
		Delayed:   int64(q.delayed.Len()),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}, nil
}

// Job returns a copy of the stored job.
func (q *MemoryQueue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

func (q *MemoryQueue) pruneLocked(cutoff time.Time) {
	for _, set := range []map[string]time.Time{q.completed, q.failed} {
		for id, at := range set {
			if at.Before(cutoff) {
				delete(set, id)
				delete(q.jobs, id)
			}
		}
	}
}

// Close rejects further enqueues.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
