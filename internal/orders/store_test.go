package orders

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Aidin1998/swapflow/internal/database"
	"github.com/Aidin1998/swapflow/pkg/models"
)

type StoreSuite struct {
	suite.Suite
	store *GormStore
	ctx   context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	db, err := database.NewSQLiteDB(database.Config{DSN: ":memory:", LogLevel: "silent"})
	s.Require().NoError(err)
	s.ctx = context.Background()
	s.store = NewGormStore(db, nil)
	s.Require().NoError(s.store.Migrate(s.ctx))
}

func (s *StoreSuite) newOrder() *models.Order {
	o := models.NewOrder("SOL", "USDC", decimal.NewFromInt(500))
	s.Require().NoError(s.store.Create(s.ctx, o))
	return o
}

func (s *StoreSuite) advance(id uuid.UUID, statuses ...models.OrderStatus) {
	for _, st := range statuses {
		s.Require().NoError(s.store.UpdateStatus(s.ctx, id, st), string(st))
	}
}

func (s *StoreSuite) TestCreateAndGet() {
	o := s.newOrder()

	got, err := s.store.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(o.ID, got.ID)
	s.Equal(models.OrderStatusPending, got.Status)
	s.Equal("SOL", got.InputAsset)
	s.Equal("USDC", got.OutputAsset)
	s.True(got.Amount.Equal(decimal.NewFromInt(500)))
	s.Nil(got.SettlementID)
	s.Nil(got.Venue)
	s.False(got.CreatedAt.IsZero())
}

func (s *StoreSuite) TestCreateDuplicate() {
	o := s.newOrder()
	dup := *o
	err := s.store.Create(s.ctx, &dup)
	s.ErrorIs(err, ErrDuplicateOrder)
}

func (s *StoreSuite) TestCreateRejectsNonPending() {
	o := models.NewOrder("SOL", "USDC", decimal.NewFromInt(1))
	o.Status = models.OrderStatusConfirmed
	s.ErrorIs(s.store.Create(s.ctx, o), ErrInvalidTransition)
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, uuid.New())
	s.ErrorIs(err, ErrOrderNotFound)
}

func (s *StoreSuite) TestHappyPathToConfirmed() {
	o := s.newOrder()
	s.advance(o.ID, models.OrderStatusRouting, models.OrderStatusBuildingTx, models.OrderStatusSubmitting)
	s.Require().NoError(s.store.Confirm(s.ctx, o.ID, "5xabc", "Raydium"))

	got, err := s.store.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusConfirmed, got.Status)
	s.Require().NotNil(got.SettlementID)
	s.Equal("5xabc", *got.SettlementID)
	s.Require().NotNil(got.Venue)
	s.Equal("Raydium", *got.Venue)
}

func (s *StoreSuite) TestSkippingStepsIsRejected() {
	o := s.newOrder()
	s.ErrorIs(s.store.UpdateStatus(s.ctx, o.ID, models.OrderStatusSubmitting), ErrInvalidTransition)
	s.ErrorIs(s.store.Confirm(s.ctx, o.ID, "5x", "Raydium"), ErrInvalidTransition)
	s.ErrorIs(s.store.UpdateStatus(s.ctx, o.ID, models.OrderStatusFailed), ErrInvalidTransition)

	got, err := s.store.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusPending, got.Status)
}

func (s *StoreSuite) TestConfirmedOrderCannotReenterRouting() {
	o := s.newOrder()
	s.advance(o.ID, models.OrderStatusRouting, models.OrderStatusBuildingTx, models.OrderStatusSubmitting)
	s.Require().NoError(s.store.Confirm(s.ctx, o.ID, "5xabc", "Meteora"))

	s.ErrorIs(s.store.UpdateStatus(s.ctx, o.ID, models.OrderStatusRouting), ErrInvalidTransition)
}

func (s *StoreSuite) TestRetryReentersRoutingAfterFailure() {
	o := s.newOrder()
	s.advance(o.ID, models.OrderStatusRouting, models.OrderStatusFailed, models.OrderStatusRouting)

	got, err := s.store.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(models.OrderStatusRouting, got.Status)
}

func (s *StoreSuite) TestUpdateStatusRejectsConfirmed() {
	o := s.newOrder()
	s.ErrorIs(s.store.UpdateStatus(s.ctx, o.ID, models.OrderStatusConfirmed), ErrInvalidTransition)
}

func (s *StoreSuite) TestUpdateMissingOrder() {
	s.ErrorIs(s.store.UpdateStatus(s.ctx, uuid.New(), models.OrderStatusRouting), ErrOrderNotFound)
}

func (s *StoreSuite) TestList() {
	for i := 0; i < 3; i++ {
		s.newOrder()
	}
	list, err := s.store.List(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(list, 2)
}

func TestConfirmRequiresSettlementFields(t *testing.T) {
	db, err := database.NewSQLiteDB(database.Config{LogLevel: "silent"})
	require.NoError(t, err)
	store := NewGormStore(db, nil)
	require.NoError(t, store.Migrate(context.Background()))

	assert.Error(t, store.Confirm(context.Background(), uuid.New(), "", "Raydium"))
}
