// Package orders persists swap orders and guards their status transitions.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/swapflow/internal/database"
	"github.com/Aidin1998/swapflow/pkg/models"
)

var (
	// ErrOrderNotFound is returned when no order has the requested id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when the current status does not allow the update.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrDuplicateOrder is returned when an order id is already taken.
	ErrDuplicateOrder = errors.New("duplicate order")
)

// Store is the durable home of order records.
type Store interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// UpdateStatus moves an order to a non-confirmed status and clears its
	// settlement fields.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error
	// Confirm writes CONFIRMED, the settlement id and the venue in one statement.
	Confirm(ctx context.Context, id uuid.UUID, settlementID, venue string) error
	List(ctx context.Context, limit int) ([]*models.Order, error)
}

// GormStore implements Store on gorm (PostgreSQL in production, SQLite in tests).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store on db
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}
}

// Migrate creates or updates the orders table
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Order{}); err != nil {
		return fmt.Errorf("migrate orders: %w", err)
	}
	return nil
}

// Create inserts a new PENDING order
func (s *GormStore) Create(ctx context.Context, order *models.Order) error {
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	if order.Status != models.OrderStatusPending {
		return fmt.Errorf("%w: new orders start as %s, got %s", ErrInvalidTransition, models.OrderStatusPending, order.Status)
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// Get loads one order
func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &order, nil
}

// UpdateStatus applies a guarded status change. The WHERE clause restricts the
// update to the allowed predecessors so concurrent writers cannot skip steps.
func (s *GormStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus) error {
	if status == models.OrderStatusConfirmed {
		return fmt.Errorf("%w: use Confirm to settle an order", ErrInvalidTransition)
	}
	return s.transition(ctx, id, status, map[string]any{
		"status":        status,
		"settlement_id": nil,
		"venue":         nil,
		"updated_at":    time.Now().UTC(),
	})
}

// Confirm settles an order that is currently SUBMITTING
func (s *GormStore) Confirm(ctx context.Context, id uuid.UUID, settlementID, venue string) error {
	if settlementID == "" || venue == "" {
		return fmt.Errorf("confirm order %s: settlement id and venue are required", id)
	}
	return s.transition(ctx, id, models.OrderStatusConfirmed, map[string]any{
		"status":        models.OrderStatusConfirmed,
		"settlement_id": settlementID,
		"venue":         venue,
		"updated_at":    time.Now().UTC(),
	})
}

func (s *GormStore) transition(ctx context.Context, id uuid.UUID, status models.OrderStatus, values map[string]any) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return fmt.Errorf("%w: %s is not a reachable status", ErrInvalidTransition, status)
	}
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update order %s to %s: %w", id, status, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Debug("Rejected order transition",
		zap.String("order_id", id.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(status)))
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

// List returns the most recent orders first
func (s *GormStore) List(ctx context.Context, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*models.Order
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}
