package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/swapflow/internal/orders"
	"github.com/Aidin1998/swapflow/internal/queue"
	apperrors "github.com/Aidin1998/swapflow/pkg/errors"
	"github.com/Aidin1998/swapflow/pkg/metrics"
	"github.com/Aidin1998/swapflow/pkg/models"
	"github.com/Aidin1998/swapflow/pkg/validation"
)

const maxBodyBytes = 1 << 16

// ExecuteOrderRequest is the body of POST /api/orders/execute
type ExecuteOrderRequest struct {
	InputAsset  string   `json:"inputAsset" validate:"required,asset"`
	OutputAsset string   `json:"outputAsset" validate:"required,asset"`
	Amount      *float64 `json:"amount" validate:"required,gt=0"`
}

// ExecuteOrderResponse acknowledges a queued order
type ExecuteOrderResponse struct {
	OrderID string             `json:"orderId"`
	Status  models.OrderStatus `json:"status"`
	Message string             `json:"message"`
}

// executeOrder validates the request, persists a PENDING order and queues its swap job
func (s *Server) executeOrder(c *gin.Context) {
	var req ExecuteOrderRequest
	if err := decodeStrict(c, &req); err != nil {
		s.writeProblem(c, apperrors.NewValidationError(err.Error(), c.Request.URL.Path))
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		var fieldErrs validation.ValidationErrors
		if errors.As(err, &fieldErrs) {
			s.writeProblem(c, apperrors.NewValidationError(fieldErrs.Error(), c.Request.URL.Path).
				WithValidationErrors(fieldErrs))
			return
		}
		s.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	order := models.NewOrder(req.InputAsset, req.OutputAsset, decimal.NewFromFloat(*req.Amount))
	if err := s.store.Create(ctx, order); err != nil {
		s.writeError(c, fmt.Errorf("create order: %w", err))
		return
	}

	// Keyed by order id so a repeated enqueue of the same order is one job
	opts := append([]queue.Option{queue.WithJobID(order.ID.String())}, s.jobOpts...)
	job, err := s.queue.Enqueue(ctx, models.SwapJobName, models.NewSwapJob(order), opts...)
	if err != nil {
		// The row stays PENDING with no job behind it
		s.logger.Error("Failed to enqueue order",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		s.writeError(c, fmt.Errorf("enqueue order: %w", err))
		return
	}

	metrics.OrdersIngested.Inc()
	s.logger.Info("Order queued",
		zap.String("order_id", order.ID.String()),
		zap.String("job_id", job.ID),
		zap.String("input_asset", order.InputAsset),
		zap.String("output_asset", order.OutputAsset),
		zap.String("amount", order.Amount.String()))

	c.JSON(http.StatusOK, ExecuteOrderResponse{
		OrderID: order.ID.String(),
		Status:  models.OrderStatusPending,
		Message: "Order Queued",
	})
}

// getOrder returns the persisted record of one order
func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeProblem(c, apperrors.NewValidationError("id must be a UUID", c.Request.URL.Path))
		return
	}
	order, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, orders.ErrOrderNotFound) {
		s.writeProblem(c, apperrors.NewOrderNotFoundError(fmt.Sprintf("order %s not found", id), c.Request.URL.Path))
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders returns the most recent orders, newest first
func (s *Server) listOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeProblem(c, apperrors.NewValidationError("limit must be a positive integer", c.Request.URL.Path))
			return
		}
		limit = n
	}
	list, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// queueCounts reports jobs per queue state
func (s *Server) queueCounts(c *gin.Context) {
	counts, err := s.queue.Counts(c.Request.Context())
	if err != nil {
		s.writeProblem(c, apperrors.NewServiceUnavailableError("queue counts unavailable", c.Request.URL.Path))
		s.logger.Warn("Queue counts failed", zap.Error(err))
		return
	}
	c.JSON(http.StatusOK, counts)
}

// decodeStrict rejects unknown members, wrong types and trailing data
func decodeStrict(c *gin.Context, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%s must be a %s", typeErr.Field, jsonKind(typeErr.Type))
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must be a single JSON object")
	}
	return nil
}

func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "number"
	case reflect.String:
		return "string"
	default:
		return t.String()
	}
}

func (s *Server) writeProblem(c *gin.Context, p *apperrors.ProblemDetails) {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		p.WithTraceID(sc.TraceID().String())
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("handler error", zap.Error(err), zap.String("path", c.Request.URL.Path))
	s.writeProblem(c, apperrors.NewInternalError("Internal Server Error", c.Request.URL.Path))
}
