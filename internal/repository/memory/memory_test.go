package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

func newOrder(t *testing.T, s *Store) *model.Order {
	t.Helper()
	o := &model.Order{
		PublicID:   uuid.New(),
		AccountID:  1,
		Status:     model.OrderStatusPendingPayment,
		TotalCents: 100,
		Currency:   "USD",
		Items:      []model.OrderItem{{ProductID: 1, PriceID: 1, Quantity: 1, UnitAmountCents: 100}},
	}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := newOrder(t, s)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx service.Tx) error {
		isNew, err := tx.RecordEventIfNew(ctx, model.WebhookEvent{ProviderEventID: "evt_1"})
		require.NoError(t, err)
		require.True(t, isNew)
		require.NoError(t, tx.UpdateOrderStatus(ctx, o.ID, model.OrderStatusPendingPayment, model.OrderStatusPaid, time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := s.Event("evt_1")
	assert.False(t, ok)

	got, err := s.GetOrder(ctx, 1, o.PublicID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPendingPayment, got.Status)
	assert.Nil(t, got.PaidAt)
}

func TestRecordEventIfNew(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, want := range []bool{true, false} {
		err := s.InTx(ctx, func(tx service.Tx) error {
			isNew, err := tx.RecordEventIfNew(ctx, model.WebhookEvent{ProviderEventID: "evt_1", EventType: "charge.refunded"})
			if isNew != want {
				t.Fatalf("attempt %d: isNew = %v, want %v", i, isNew, want)
			}
			return err
		})
		require.NoError(t, err)
	}
}

func TestUpdateOrderStatusCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := newOrder(t, s)

	err := s.InTx(ctx, func(tx service.Tx) error {
		return tx.UpdateOrderStatus(ctx, o.ID, model.OrderStatusPaid, model.OrderStatusFulfilled, time.Now())
	})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCreateGrantsIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := newOrder(t, s)

	grant := model.DownloadGrant{Token: uuid.New(), AccountID: 1, OrderID: o.ID, OrderItemID: o.Items[0].ID, AssetID: 7, MaxDownloads: 3}
	for _, want := range []int{1, 0} {
		err := s.InTx(ctx, func(tx service.Tx) error {
			g := grant
			g.Token = uuid.New()
			n, err := tx.CreateGrants(ctx, []model.DownloadGrant{g})
			assert.Equal(t, want, n)
			return err
		})
		require.NoError(t, err)
	}

	grants, err := s.ListGrants(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestUsageRollover(t *testing.T) {
	s := New()
	ctx := context.Background()
	limit := int64(10)
	march := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)

	d, err := s.CheckAndIncrementUsage(ctx, 1, model.UsageImages, 10, &limit, model.ResetMonthly, march)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.CheckAndIncrementUsage(ctx, 1, model.UsageImages, 1, &limit, model.ResetMonthly, march)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = s.CheckAndIncrementUsage(ctx, 1, model.UsageImages, 1, &limit, model.ResetMonthly, march.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Bucket.Used)
	assert.Equal(t, int64(9), *d.Remaining)
}

func TestCheckAndIncrementUsageRejectsOverflowingAmount(t *testing.T) {
	s := New()
	ctx := context.Background()
	limit := int64(2)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d, err := s.CheckAndIncrementUsage(ctx, 1, model.UsageVideos, 1, &limit, model.ResetMonthly, now)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.CheckAndIncrementUsage(ctx, 1, model.UsageVideos, math.MaxInt64, &limit, model.ResetMonthly, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.Bucket.Used)
	assert.Equal(t, int64(1), *d.Remaining)

	d, err = s.CheckAndIncrementUsage(ctx, 1, model.UsageVideos, 1, &limit, model.ResetMonthly, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Bucket.Used)
}

func TestAddPriceKeepsOneActivePricePerProduct(t *testing.T) {
	s := New()
	ctx := context.Background()
	prod := s.AddProduct(model.Product{Slug: "guide", Name: "Guide", Type: model.ProductTypeDigital})

	first := s.AddPrice(model.Price{ProductID: prod.ID, AmountCents: 2900, Currency: "usd", BillingPeriod: model.BillingPeriodOneTime, Active: true})
	second := s.AddPrice(model.Price{ProductID: prod.ID, AmountCents: 1900, Currency: "EUR", BillingPeriod: model.BillingPeriodMonthly, Active: true})
	draft := s.AddPrice(model.Price{ProductID: prod.ID, AmountCents: 990, Currency: "USD", BillingPeriod: model.BillingPeriodOneTime})

	priced, err := s.GetPricedProducts(ctx, []int64{first.ID, second.ID, draft.ID})
	require.NoError(t, err)
	require.Len(t, priced, 3)
	assert.False(t, priced[first.ID].Price.Active)
	assert.True(t, priced[second.ID].Price.Active)
	assert.False(t, priced[draft.ID].Price.Active)
	assert.Equal(t, "USD", priced[first.ID].Price.Currency)
}

func TestUsageLimitDowngradeClampsCounter(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pro := int64(40)
	free := int64(2)

	d, err := s.CheckAndIncrementUsage(ctx, 1, model.UsageVideos, 30, &pro, model.ResetMonthly, now)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.CheckAndIncrementUsage(ctx, 1, model.UsageVideos, 1, &free, model.ResetMonthly, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(2), d.Bucket.Used)
	assert.Equal(t, int64(0), *d.Remaining)
}

func TestUpsertProviderSubscriptionKeepsSourceOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	orderID := int64(5)

	err := s.InTx(ctx, func(tx service.Tx) error {
		if err := tx.CreateSubscriptions(ctx, []model.Subscription{{
			AccountID: 1, ProviderSubscriptionID: "sub_1", SourceOrderID: &orderID, Status: model.SubscriptionActive,
		}}); err != nil {
			return err
		}
		return tx.UpsertProviderSubscription(ctx, model.Subscription{
			AccountID: 1, ProviderSubscriptionID: "sub_1", Status: model.SubscriptionPastDue,
		})
	})
	require.NoError(t, err)

	subs, err := s.ListSubscriptions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionPastDue, subs[0].Status)
	require.NotNil(t, subs[0].SourceOrderID)
	assert.Equal(t, orderID, *subs[0].SourceOrderID)
}

func TestSetProviderCustomerIDRejectsSharedCustomer(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SetProviderCustomerID(ctx, 1, "cus_1"))
	require.Error(t, s.SetProviderCustomerID(ctx, 2, "cus_1"))
}
