package swap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/queue"
	"github.com/Aidin1998/swapflow/pkg/models"
)

// Worker binds a Processor to a queue.
type Worker struct {
	queue       queue.Queue
	processor   *Processor
	concurrency int
	logger      *zap.Logger
}

// NewWorker creates a worker running up to concurrency jobs at once.
func NewWorker(q queue.Queue, p *Processor, concurrency int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{queue: q, processor: p, concurrency: concurrency, logger: logger}
}

// Run consumes jobs until ctx is cancelled and in-flight jobs have finished.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", zap.Int("concurrency", w.concurrency))
	err := w.queue.Process(ctx, w.concurrency, w.handle)
	w.logger.Info("Worker stopped")
	return err
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	if job.Name != models.SwapJobName {
		return queue.Permanent(fmt.Errorf("unknown job name %q", job.Name))
	}
	return w.processor.Process(ctx, job)
}
