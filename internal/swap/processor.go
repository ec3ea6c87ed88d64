// Package swap drives queued orders through routing, building, submission and
// settlement.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/eventbus"
	"github.com/Aidin1998/swapflow/internal/lifecycle"
	"github.com/Aidin1998/swapflow/internal/orders"
	"github.com/Aidin1998/swapflow/internal/queue"
	"github.com/Aidin1998/swapflow/internal/venue"
	"github.com/Aidin1998/swapflow/pkg/metrics"
	"github.com/Aidin1998/swapflow/pkg/models"
)

// DefaultBuildDelay is the simulated transaction construction time.
const DefaultBuildDelay = 500 * time.Millisecond

// errSettled marks a redelivered job whose order is already CONFIRMED.
var errSettled = errors.New("order already settled")

// Router picks a venue and executes against it.
type Router interface {
	Best(ctx context.Context, amount decimal.Decimal) (venue.Quote, error)
	Execute(ctx context.Context, venueName string, amount decimal.Decimal) (string, error)
}

// Processor runs the order state machine for one job attempt. Every transition
// is persisted first and published second; the two writes are independent, so a
// publish failure never rolls back the stored status.
type Processor struct {
	store      orders.Store
	router     Router
	events     eventbus.Publisher
	buildDelay time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewProcessor wires the state machine to its collaborators.
func NewProcessor(store orders.Store, router Router, events eventbus.Publisher, buildDelay time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buildDelay < 0 {
		buildDelay = 0
	}
	return &Processor{
		store:      store,
		router:     router,
		events:     events,
		buildDelay: buildDelay,
		logger:     logger,
		tracer:     otel.Tracer("github.com/Aidin1998/swapflow/internal/swap"),
	}
}

// Process is a queue.Handler. A non-nil return asks the queue to retry unless
// it is queue.Permanent.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var payload models.SwapJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(err)
	}
	orderID, err := uuid.Parse(payload.OrderID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("job %s: invalid order id %q: %w", job.ID, payload.OrderID, err))
	}

	ctx, span := p.tracer.Start(ctx, "swap.process", trace.WithAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt()),
	))
	defer span.End()

	log := p.logger.With(
		zap.String("order_id", payload.OrderID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt()))
	start := time.Now()

	err = p.run(ctx, orderID, payload.Amount, log)
	switch {
	case err == nil:
		metrics.OrderLatency.WithLabelValues("confirmed").Observe(time.Since(start).Seconds())
		return nil
	case errors.Is(err, errSettled):
		log.Info("Skipping job for settled order")
		return nil
	case errors.Is(err, orders.ErrOrderNotFound):
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Dropping job for unknown order", zap.Error(err))
		return queue.Permanent(err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.OrderLatency.WithLabelValues("failed").Observe(time.Since(start).Seconds())
	p.fail(ctx, orderID, err, log)
	return err
}

func (p *Processor) run(ctx context.Context, id uuid.UUID, amount decimal.Decimal, log *zap.Logger) error {
	if err := p.advance(ctx, id, lifecycle.Routing{}, log); err != nil {
		if errors.Is(err, orders.ErrInvalidTransition) {
			return p.explainRejectedRouting(ctx, id, err)
		}
		return err
	}

	best, err := p.router.Best(ctx, amount)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	log.Info("Venue selected", zap.String("venue", best.Venue), zap.String("quote", best.Amount.String()))

	if err := p.advance(ctx, id, lifecycle.BuildingTx{Venue: best.Venue}, log); err != nil {
		return err
	}
	if err := wait(ctx, p.buildDelay); err != nil {
		return fmt.Errorf("building transaction: %w", err)
	}

	if err := p.advance(ctx, id, lifecycle.Submitting{}, log); err != nil {
		return err
	}
	settlementID, err := p.router.Execute(ctx, best.Venue, amount)
	if err != nil {
		return fmt.Errorf("submitting: %w", err)
	}

	return p.advance(ctx, id, lifecycle.Confirmed{SettlementID: settlementID, Venue: best.Venue}, log)
}

// explainRejectedRouting tells a settled redelivery apart from a genuine
// store conflict.
func (p *Processor) explainRejectedRouting(ctx context.Context, id uuid.UUID, cause error) error {
	current, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == models.OrderStatusConfirmed {
		return errSettled
	}
	return cause
}

// advance persists the event's status and then publishes the event.
func (p *Processor) advance(ctx context.Context, id uuid.UUID, ev lifecycle.Event, log *zap.Logger) error {
	var err error
	switch e := ev.(type) {
	case lifecycle.Confirmed:
		err = p.store.Confirm(ctx, id, e.SettlementID, e.Venue)
	default:
		err = p.store.UpdateStatus(ctx, id, ev.Status())
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", ev.Status(), err)
	}
	metrics.OrderTransitions.WithLabelValues(string(ev.Status())).Inc()
	log.Debug("Order transitioned", zap.String("status", string(ev.Status())))
	p.publish(ctx, id, ev, log)
	return nil
}

// fail is the single failure path: persist FAILED, then publish it. Both are
// attempted even if the other does not succeed.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, cause error, log *zap.Logger) {
	log.Warn("Order attempt failed", zap.Error(cause))
	if err := p.store.UpdateStatus(ctx, id, models.OrderStatusFailed); err != nil {
		log.Error("Failed to persist FAILED status", zap.Error(err))
	} else {
		metrics.OrderTransitions.WithLabelValues(string(models.OrderStatusFailed)).Inc()
	}
	p.publish(ctx, id, lifecycle.Failed{Error: cause.Error()}, log)
}

func (p *Processor) publish(ctx context.Context, id uuid.UUID, ev lifecycle.Event, log *zap.Logger) {
	frame, err := lifecycle.Encode(ev)
	if err != nil {
		log.Error("Failed to encode lifecycle event", zap.Error(err))
		return
	}
	if err := p.events.Publish(ctx, id.String(), frame); err != nil {
		log.Warn("Failed to publish lifecycle event",
			zap.String("status", string(ev.Status())),
			zap.Error(err))
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
