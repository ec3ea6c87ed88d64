// Package queue implements a durable, at-least-once job queue with retries,
// exponential backoff and stalled job recovery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff is the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type" mapstructure:"type" yaml:"type"`
	Delay time.Duration `json:"delay" mapstructure:"delay" yaml:"delay"`
}

// Next returns the delay before the retry that follows attemptsMade failures.
// Exponential backoff waits Delay * 2^(attemptsMade-1).
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 30 {
		shift = 30
	}
	return b.Delay * time.Duration(1<<shift)
}

// Job is one unit of work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	CreatedAt    time.Time       `json:"createdAt"`
	FailedReason string          `json:"failedReason,omitempty"`
	StalledCount int             `json:"stalledCount,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("queue: decode job %s: %w", j.ID, err)
	}
	return nil
}

// Attempt is the 1-based number of the attempt currently running.
func (j *Job) Attempt() int { return j.AttemptsMade + 1 }

// Option customizes a job at enqueue time.
type Option func(*Job)

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b Backoff) Option {
	return func(j *Job) { j.Backoff = b }
}

// WithJobID overrides the generated job id. Enqueueing an id that is already
// stored returns the stored job and adds nothing.
func WithJobID(id string) Option {
	return func(j *Job) {
		if id != "" {
			j.ID = id
		}
	}
}

func newJob(name string, data any, defaults Config, opts []Option) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s payload: %w", name, err)
	}
	j := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        raw,
		MaxAttempts: defaults.Attempts,
		Backoff:     defaults.Backoff,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.MaxAttempts < 1 {
		j.MaxAttempts = 1
	}
	return j, nil
}

// outcome decides what happens to a job whose attempt returned err.
// retry is false when the job is abandoned.
func (j *Job) outcome(err error) (retry bool, delay time.Duration) {
	j.AttemptsMade++
	j.FailedReason = err.Error()
	if IsPermanent(err) || j.AttemptsMade >= j.MaxAttempts {
		return false, 0
	}
	return true, j.Backoff.Next(j.AttemptsMade)
}

// Handler processes one job. A nil return completes it; an error schedules a
// retry unless attempts are exhausted or the error is Permanent.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Counts is a snapshot of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a named durable queue.
type Queue interface {
	// Enqueue persists a job and makes it visible to workers.
	Enqueue(ctx context.Context, name string, data any, opts ...Option) (*Job, error)
	// Process runs handler on up to concurrency jobs at a time until ctx is
	// cancelled. Jobs already claimed run to completion before it returns.
	Process(ctx context.Context, concurrency int, handler Handler) error
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Config holds queue level defaults and maintenance intervals.
type Config struct {
	Name            string        `mapstructure:"name" yaml:"name"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	Attempts        int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff         Backoff       `mapstructure:"backoff" yaml:"backoff"`
	LockDuration    time.Duration `mapstructure:"lock_duration" yaml:"lock_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval" yaml:"stalled_interval"`
	PromoteInterval time.Duration `mapstructure:"promote_interval" yaml:"promote_interval"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxStalled      int           `mapstructure:"max_stalled" yaml:"max_stalled"`
}

// DefaultConfig returns the "order-queue" defaults: 3 attempts with
// exponential backoff starting at one second.
func DefaultConfig() Config {
	return Config{
		Name:            "order-queue",
		Prefix:          "swapflow",
		Attempts:        3,
		Backoff:         Backoff{Type: BackoffExponential, Delay: time.Second},
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		PromoteInterval: 250 * time.Millisecond,
		Retention:       24 * time.Hour,
		MaxStalled:      1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.Attempts < 1 {
		c.Attempts = d.Attempts
	}
	if c.Backoff.Type == "" {
		c.Backoff.Type = BackoffExponential
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = d.StalledInterval
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = d.PromoteInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxStalled <= 0 {
		c.MaxStalled = d.MaxStalled
	}
	return c
}
