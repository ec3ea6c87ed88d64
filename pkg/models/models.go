package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is a step of the swap order lifecycle
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusRouting    OrderStatus = "ROUTING"
	OrderStatusBuildingTx OrderStatus = "BUILDING_TX"
	OrderStatusSubmitting OrderStatus = "SUBMITTING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// OrderStatuses lists the lifecycle in order; FAILED is reachable from any in-flight state.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusRouting,
	OrderStatusBuildingTx,
	OrderStatusSubmitting,
	OrderStatusConfirmed,
	OrderStatusFailed,
}

// Predecessors returns the statuses an order may be in immediately before moving to s.
// ROUTING is re-entered from any non-confirmed status when a job is retried from scratch.
func (s OrderStatus) Predecessors() []OrderStatus {
	switch s {
	case OrderStatusRouting:
		return []OrderStatus{
			OrderStatusPending,
			OrderStatusRouting,
			OrderStatusBuildingTx,
			OrderStatusSubmitting,
			OrderStatusFailed,
		}
	case OrderStatusBuildingTx:
		return []OrderStatus{OrderStatusRouting}
	case OrderStatusSubmitting:
		return []OrderStatus{OrderStatusBuildingTx}
	case OrderStatusConfirmed:
		return []OrderStatus{OrderStatusSubmitting}
	case OrderStatusFailed:
		return []OrderStatus{OrderStatusRouting, OrderStatusBuildingTx, OrderStatusSubmitting}
	default:
		return nil
	}
}

// Order is a request to exchange one asset for another
type Order struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	InputAsset   string          `json:"inputAsset" gorm:"column:input_asset;not null"`
	OutputAsset  string          `json:"outputAsset" gorm:"column:output_asset;not null"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric;not null"`
	Status       OrderStatus     `json:"status" gorm:"type:text;not null;index"`
	SettlementID *string         `json:"settlementId" gorm:"column:settlement_id"`
	Venue        *string         `json:"venue" gorm:"column:venue"`
	CreatedAt    time.Time       `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName pins the table name used by the store
func (Order) TableName() string { return "orders" }

// NewOrder builds a PENDING order with a fresh identifier
func NewOrder(inputAsset, outputAsset string, amount decimal.Decimal) *Order {
	return &Order{
		ID:          uuid.New(),
		InputAsset:  inputAsset,
		OutputAsset: outputAsset,
		Amount:      amount,
		Status:      OrderStatusPending,
	}
}

// SwapJobName is the queue job name used for order execution
const SwapJobName = "swap"

// SwapJob is the work queue payload for one order
type SwapJob struct {
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	InputAsset  string          `json:"inputAsset"`
	OutputAsset string          `json:"outputAsset"`
}

// NewSwapJob copies the fields the worker needs out of an order
func NewSwapJob(o *Order) SwapJob {
	return SwapJob{
		OrderID:     o.ID.String(),
		Amount:      o.Amount,
		InputAsset:  o.InputAsset,
		OutputAsset: o.OutputAsset,
	}
}
