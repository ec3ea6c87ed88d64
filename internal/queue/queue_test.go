package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:            "test-queue",
		Prefix:          "t",
		Attempts:        3,
		Backoff:         Backoff{Type: BackoffExponential, Delay: 20 * time.Millisecond},
		LockDuration:    5 * time.Second,
		StalledInterval: time.Hour,
		PromoteInterval: 5 * time.Millisecond,
		Retention:       time.Hour,
	}
}

type queueFactory func(t *testing.T) Queue

func factories() map[string]queueFactory {
	return map[string]queueFactory{
		"memory": func(t *testing.T) Queue {
			return NewMemoryQueue(testConfig(), nil)
		},
		"redis": func(t *testing.T) Queue {
			q, _, _ := newTestRedisQueue(t)
			return q
		},
	}
}

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, testConfig(), nil), mr, client
}

// runQueue starts Process in the background and returns a stop func that
// cancels it and waits for it to drain.
func runQueue(t *testing.T, q Queue, handler Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Process(ctx, 2, handler))
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Process did not return")
		}
	}
	t.Cleanup(stop)
	return stop
}

func countsEventually(t *testing.T, q Queue, check func(Counts) bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		c, err := q.Counts(context.Background())
		return err == nil && check(c)
	}, 5*time.Second, 10*time.Millisecond)
}

type payload struct {
	OrderID string `json:"orderId"`
}

func TestBackoff_Next(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.Next(1))
	assert.Equal(t, 2*time.Second, exp.Next(2))
	assert.Equal(t, 4*time.Second, exp.Next(3))

	fixed := Backoff{Type: BackoffFixed, Delay: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, fixed.Next(3))

	assert.Zero(t, Backoff{}.Next(2))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestJob_Outcome(t *testing.T) {
	j := &Job{MaxAttempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}}

	retry, delay := j.outcome(errors.New("boom"))
	assert.True(t, retry)
	assert.Equal(t, time.Second, delay)

	retry, delay = j.outcome(errors.New("boom"))
	assert.True(t, retry)
	assert.Equal(t, 2*time.Second, delay)

	retry, _ = j.outcome(errors.New("boom"))
	assert.False(t, retry)
	assert.Equal(t, 3, j.AttemptsMade)
	assert.Equal(t, "boom", j.FailedReason)
}

func TestQueue_CompletesJob(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			job, err := q.Enqueue(context.Background(), "swap", payload{OrderID: "o-1"})
			require.NoError(t, err)

			c, err := q.Counts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1), c.Waiting)

			got := make(chan payload, 1)
			runQueue(t, q, func(_ context.Context, j *Job) error {
				var p payload
				require.NoError(t, j.Decode(&p))
				assert.Equal(t, job.ID, j.ID)
				assert.Equal(t, "swap", j.Name)
				got <- p
				return nil
			})

			select {
			case p := <-got:
				assert.Equal(t, "o-1", p.OrderID)
			case <-time.After(5 * time.Second):
				t.Fatal("job was not processed")
			}
			countsEventually(t, q, func(c Counts) bool {
				return c.Completed == 1 && c.Waiting == 0 && c.Active == 0
			})
		})
	}
}

func TestQueue_RetriesWithGrowingDelay(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			_, err := q.Enqueue(context.Background(), "swap", payload{OrderID: "o-1"})
			require.NoError(t, err)

			var mu sync.Mutex
			var attempts []time.Time
			var seen []int
			runQueue(t, q, func(_ context.Context, j *Job) error {
				mu.Lock()
				defer mu.Unlock()
				attempts = append(attempts, time.Now())
				seen = append(seen, j.AttemptsMade)
				if len(attempts) < 3 {
					return errors.New("venue unavailable")
				}
				return nil
			})

			countsEventually(t, q, func(c Counts) bool { return c.Completed == 1 })

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, attempts, 3)
			assert.Equal(t, []int{0, 1, 2}, seen)
			assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 20*time.Millisecond)
			assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)
		})
	}
}

func TestQueue_AbandonsAfterMaxAttempts(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			_, err := q.Enqueue(context.Background(), "swap", payload{OrderID: "o-1"}, WithAttempts(2))
			require.NoError(t, err)

			var mu sync.Mutex
			calls := 0
			runQueue(t, q, func(context.Context, *Job) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return errors.New("execution failed")
			})

			countsEventually(t, q, func(c Counts) bool { return c.Failed == 1 })
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			assert.Equal(t, 2, calls)
			mu.Unlock()
		})
	}
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			_, err := q.Enqueue(context.Background(), "swap", payload{OrderID: "o-1"})
			require.NoError(t, err)

			var mu sync.Mutex
			calls := 0
			runQueue(t, q, func(context.Context, *Job) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return Permanent(errors.New("malformed"))
			})

			countsEventually(t, q, func(c Counts) bool { return c.Failed == 1 })
			mu.Lock()
			assert.Equal(t, 1, calls)
			mu.Unlock()
		})
	}
}

func TestQueue_PanicCountsAsFailure(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			_, err := q.Enqueue(context.Background(), "swap", payload{}, WithAttempts(1))
			require.NoError(t, err)

			runQueue(t, q, func(context.Context, *Job) error { panic("boom") })
			countsEventually(t, q, func(c Counts) bool { return c.Failed == 1 })
		})
	}
}

func TestQueue_DrainsInFlightJobOnCancel(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			_, err := q.Enqueue(context.Background(), "swap", payload{})
			require.NoError(t, err)

			started := make(chan struct{})
			var handlerErr error
			stop := runQueue(t, q, func(ctx context.Context, _ *Job) error {
				close(started)
				time.Sleep(50 * time.Millisecond)
				handlerErr = ctx.Err()
				return nil
			})

			<-started
			stop()
			assert.NoError(t, handlerErr)
			c, err := q.Counts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1), c.Completed)
		})
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			require.NoError(t, q.Close())
			_, err := q.Enqueue(context.Background(), "swap", payload{})
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestQueue_EnqueueSameIDOnce(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			q := factory(t)
			ctx := context.Background()
			first, err := q.Enqueue(ctx, "swap", payload{OrderID: "o-1"}, WithJobID("o-1"))
			require.NoError(t, err)
			assert.Equal(t, "o-1", first.ID)

			again, err := q.Enqueue(ctx, "swap", payload{OrderID: "other"}, WithJobID("o-1"))
			require.NoError(t, err)
			assert.Equal(t, "o-1", again.ID)
			assert.JSONEq(t, `{"orderId":"o-1"}`, string(again.Data))

			c, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), c.Waiting)
		})
	}
}

func TestRedisQueue_JobHashRoundTrip(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	job, err := q.Enqueue(context.Background(), "swap", payload{OrderID: "o-9"},
		WithAttempts(5), WithBackoff(Backoff{Type: BackoffFixed, Delay: 250 * time.Millisecond}))
	require.NoError(t, err)

	stored, err := q.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "swap", stored.Name)
	assert.Equal(t, 5, stored.MaxAttempts)
	assert.Equal(t, Backoff{Type: BackoffFixed, Delay: 250 * time.Millisecond}, stored.Backoff)
	assert.JSONEq(t, `{"orderId":"o-9"}`, string(stored.Data))
	assert.Equal(t, job.CreatedAt.UnixMilli(), stored.CreatedAt.UnixMilli())
}

func TestRedisQueue_RecoversStalledJob(t *testing.T) {
	q, mr, client := newTestRedisQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "swap", payload{OrderID: "o-1"})
	require.NoError(t, err)

	// A worker claims the job and dies holding it.
	claimed, token, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotEmpty(t, token)
	assert.Equal(t, job.ID, claimed.ID)

	n, err := q.recoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "locked job must not be recovered")

	mr.FastForward(10 * time.Second)

	n, err = q.recoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "first missing-lock sighting only marks the job")

	n, err = q.recoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Waiting)
	assert.Equal(t, int64(0), c.Active)

	// The dead worker's late finish is ignored.
	require.NoError(t, q.finish(ctx, claimed, token, nil))
	completed, err := client.ZCard(ctx, q.key("completed")).Result()
	require.NoError(t, err)
	assert.Zero(t, completed)
}

// stall claims the job at the head of wait, lets its lock expire and runs the
// two stalled checks needed to act on it.
func stall(t *testing.T, q *RedisQueue, mr *miniredis.Miniredis) int {
	t.Helper()
	ctx := context.Background()
	claimed, _, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	mr.FastForward(10 * time.Second)
	_, err = q.recoverStalled(ctx)
	require.NoError(t, err)
	n, err := q.recoverStalled(ctx)
	require.NoError(t, err)
	return n
}

func TestRedisQueue_FailsJobThatStallsTooOften(t *testing.T) {
	q, mr, _ := newTestRedisQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "swap", payload{OrderID: "o-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, stall(t, q, mr), "first stall is recovered")
	assert.Zero(t, stall(t, q, mr), "second stall is not")

	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, c)

	stored, err := q.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.StalledCount)
	assert.Equal(t, errStalledTooOften, stored.FailedReason)
}

func TestRedisQueue_FailsUndecodableJob(t *testing.T) {
	q, _, client := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, client.HSet(ctx, q.jobKey("bad"), "name", "swap", "attemptsMade", "many").Err())
	require.NoError(t, client.LPush(ctx, q.key("wait"), "bad").Err())

	job, token, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, token)

	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, c)

	locked, err := client.Exists(ctx, q.lockKey("bad")).Result()
	require.NoError(t, err)
	assert.Zero(t, locked)
	reason, err := client.HGet(ctx, q.jobKey("bad"), "failedReason").Result()
	require.NoError(t, err)
	assert.Contains(t, reason, "attemptsMade")
}

func TestRedisQueue_PromotesDueDelayedJobs(t *testing.T) {
	q, _, client := newTestRedisQueue(t)
	ctx := context.Background()

	past := float64(time.Now().Add(-time.Second).UnixMilli())
	future := float64(time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, q.key("delayed"),
		redis.Z{Score: past, Member: "due"},
		redis.Z{Score: future, Member: "later"}).Err())

	n, err := q.promoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wait, err := client.LRange(ctx, q.key("wait"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, wait)

	left, err := client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, left)
}

func TestRedisQueue_PrunesExpiredFinishedJobs(t *testing.T) {
	q, _, client := newTestRedisQueue(t)
	ctx := context.Background()

	old := float64(time.Now().Add(-2 * time.Hour).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, q.key("completed"), redis.Z{Score: old, Member: "old"}).Err())
	require.NoError(t, client.HSet(ctx, q.jobKey("old"), "name", "swap").Err())
	require.NoError(t, client.ZAdd(ctx, q.key("failed"),
		redis.Z{Score: float64(time.Now().UnixMilli()), Member: "fresh"}).Err())

	require.NoError(t, q.prune(ctx))

	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Completed)
	assert.Equal(t, int64(1), c.Failed)
	exists, err := client.Exists(ctx, q.jobKey("old")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
