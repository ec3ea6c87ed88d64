package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// encodeJob flattens a job into hash fields.
func encodeJob(j *Job) (map[string]any, error) {
	return map[string]any{
		"name":         j.Name,
		"data":         string(j.Data),
		"attemptsMade": j.AttemptsMade,
		"maxAttempts":  j.MaxAttempts,
		"backoffType":  string(j.Backoff.Type),
		"backoffDelay": j.Backoff.Delay.Milliseconds(),
		"createdAt":    j.CreatedAt.UnixMilli(),
	}, nil
}

func decodeJob(id string, fields map[string]string) (*Job, error) {
	var firstErr error
	num := func(field string) int64 {
		raw := fields[field]
		if raw == "" {
			return 0
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("queue: job %s field %s: %w", id, field, err)
		}
		return n
	}
	j := &Job{
		ID:           id,
		Name:         fields["name"],
		Data:         []byte(fields["data"]),
		AttemptsMade: int(num("attemptsMade")),
		MaxAttempts:  int(num("maxAttempts")),
		Backoff: Backoff{
			Type:  BackoffType(fields["backoffType"]),
			Delay: time.Duration(num("backoffDelay")) * time.Millisecond,
		},
		CreatedAt:    time.UnixMilli(num("createdAt")).UTC(),
		FailedReason: fields["failedReason"],
		StalledCount: int(num("stalledCount")),
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return j, nil
}

// runHandler invokes h and turns a panic into a job failure.
func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}
