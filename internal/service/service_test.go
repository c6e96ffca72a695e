package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

func TestPaymentConfirmedFulfillsDigitalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	if order.Status != model.OrderStatusPendingPayment || order.TotalCents != 2900 {
		t.Fatalf("unexpected new order: %+v", order)
	}

	out, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_1", order.PublicID, 2900, "usd"))
	require.NoError(t, err)
	assert.Equal(t, service.EventProcessed, out.Status)
	assert.Equal(t, "paid,fulfilled", out.Effect)

	got := f.order(t, order.PublicID)
	assert.Equal(t, model.OrderStatusFulfilled, got.Status)
	assert.NotNil(t, got.PaidAt)
	assert.NotNil(t, got.FulfilledAt)

	grants, err := f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, grants, 1, "only active assets produce grants")
	assert.Equal(t, "guides/starter.pdf", grants[0].StorageKey)
	assert.Equal(t, int64(5), grants[0].MaxDownloads)
	assert.True(t, grants[0].CanDownload(f.clock.Now()))

	ev, ok := f.store.Event("evt_1")
	require.True(t, ok)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, "paid,fulfilled", *ev.OrderEffect)

	// повторная доставка того же события
	out, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_1", order.PublicID, 2900, "usd"))
	if !errors.Is(err, model.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want ErrDuplicateEvent", err)
	}
	assert.Equal(t, service.EventDuplicate, out.Status)

	grants, err = f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Equal(t, model.OrderStatusFulfilled, f.order(t, order.PublicID).Status)
}

func TestAmountMismatchKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	out, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_short", order.PublicID, 1900, "usd"))
	if !errors.Is(err, model.ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}
	assert.Equal(t, service.EventRejected, out.Status)
	assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, order.PublicID).Status)

	incidents := f.store.Incidents(order.ID)
	require.Len(t, incidents, 1)
	assert.Equal(t, model.IncidentAmountMismatch, incidents[0].Kind)

	ev, ok := f.store.Event("evt_short")
	require.True(t, ok)
	assert.Equal(t, "rejected:amount_mismatch", *ev.OrderEffect)

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_short", order.PublicID, 1900, "usd"))
	if !errors.Is(err, model.ErrDuplicateEvent) {
		t.Fatalf("redelivery err = %v, want ErrDuplicateEvent", err)
	}

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_eur", order.PublicID, 2900, "eur"))
	if !errors.Is(err, model.ErrAmountMismatch) {
		t.Fatalf("currency mismatch err = %v, want ErrAmountMismatch", err)
	}
	assert.Len(t, f.store.Incidents(order.ID), 2)

	grants, err := f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_ok", order.PublicID, 2900, "USD"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFulfilled, f.order(t, order.PublicID).Status)
}

func TestServiceOrderWaitsForOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.consult)

	out, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_consult", order.PublicID, 9900, "usd"))
	require.NoError(t, err)
	assert.Equal(t, "paid", out.Effect)
	assert.Equal(t, model.OrderStatusPaid, f.order(t, order.PublicID).Status)

	ents, err := f.svc.Resolve(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, ents, "paid but unfulfilled order grants nothing")

	fulfilled, err := f.svc.FulfillOrder(ctx, order.PublicID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFulfilled, fulfilled.Status)

	_, err = f.svc.FulfillOrder(ctx, order.PublicID)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second fulfill err = %v, want ErrInvalidTransition", err)
	}

	ents, err = f.svc.Resolve(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "onboarding", ents[0].FeatureKey)

	_, err = f.svc.FulfillOrder(ctx, uuid.New())
	if !errors.Is(err, model.ErrOrderNotFound) {
		t.Fatalf("unknown order err = %v, want ErrOrderNotFound", err)
	}
}

func TestRefundRevokesGrantsAndSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide, f.catalog.pro)

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_pay", order.PublicID, 4800, "usd"))
	require.NoError(t, err)

	subs, err := f.svc.ListSubscriptions(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionActive, subs[0].Status)
	require.NotNil(t, subs[0].CurrentPeriodEnd)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *subs[0].CurrentPeriodEnd)

	tier, err := f.svc.PlanTier(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, tier)

	grants, err := f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	token := grants[0].Token

	_, err = f.svc.RequestAccess(ctx, testAccount, token)
	require.NoError(t, err)

	out, err := f.svc.HandleEvent(ctx, refundEvent(t, "evt_refund", order.PublicID.String(), "", 4800, 4800))
	require.NoError(t, err)
	assert.Equal(t, "refunded", out.Effect)

	got := f.order(t, order.PublicID)
	assert.Equal(t, model.OrderStatusRefunded, got.Status)
	assert.NotNil(t, got.RefundedAt)

	grants, err = f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.NotNil(t, grants[0].RevokedAt)
	assert.False(t, grants[0].CanDownload(f.clock.Now()))

	_, err = f.svc.RequestAccess(ctx, testAccount, token)
	if !errors.Is(err, model.ErrGrantLocked) {
		t.Fatalf("access after refund err = %v, want ErrGrantLocked", err)
	}

	subs, err = f.svc.ListSubscriptions(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionCanceled, subs[0].Status)

	ents, err := f.svc.Resolve(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, ents)

	_, err = f.svc.HandleEvent(ctx, refundEvent(t, "evt_refund_2", order.PublicID.String(), "", 4800, 4800))
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second refund err = %v, want ErrInvalidTransition", err)
	}
}

func TestRefundResolvesOrderByPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_pay", order.PublicID, 2900, "usd"))
	require.NoError(t, err)

	_, err = f.svc.HandleEvent(ctx, refundEvent(t, "evt_refund", "", "pi_"+order.PublicID.String(), 2900, 2900))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, f.order(t, order.PublicID).Status)
}

func TestPartialRefundRecordsIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_pay", order.PublicID, 2900, "usd"))
	require.NoError(t, err)

	out, err := f.svc.HandleEvent(ctx, refundEvent(t, "evt_partial", order.PublicID.String(), "", 1000, 2900))
	require.NoError(t, err)
	assert.Equal(t, "incident:partial_refund", out.Effect)
	assert.Equal(t, model.OrderStatusFulfilled, f.order(t, order.PublicID).Status)

	incidents := f.store.Incidents(order.ID)
	require.Len(t, incidents, 1)
	assert.Equal(t, model.IncidentPartialRefund, incidents[0].Kind)
}

func TestCheckoutExpiredCancelsPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	out, err := f.svc.HandleEvent(ctx, expiredEvent(t, "evt_exp", order.PublicID))
	require.NoError(t, err)
	assert.Equal(t, "canceled", out.Effect)
	assert.Equal(t, model.OrderStatusCanceled, f.order(t, order.PublicID).Status)

	out, err = f.svc.HandleEvent(ctx, expiredEvent(t, "evt_exp_2", order.PublicID))
	require.NoError(t, err)
	assert.Equal(t, "noop:already_canceled", out.Effect)

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_late", order.PublicID, 2900, "usd"))
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("payment after cancel err = %v, want ErrInvalidTransition", err)
	}
	assert.Equal(t, model.OrderStatusCanceled, f.order(t, order.PublicID).Status)
	assert.Len(t, f.store.Incidents(order.ID), 1)
}

func TestUnknownOrderIsIgnored(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.HandleEvent(context.Background(), paymentEvent(t, "evt_ghost", uuid.New(), 2900, "usd"))
	require.NoError(t, err)
	assert.Equal(t, "ignored:order_not_found", out.Effect)

	_, ok := f.store.Event("evt_ghost")
	assert.True(t, ok)
}

func TestUnverifiedEventIsRejected(t *testing.T) {
	f := newFixture(t)

	forged := webhook.Event{ID: "evt_forged", Type: "checkout.session.completed", Kind: webhook.KindPaymentConfirmed}
	_, err := f.svc.HandleEvent(context.Background(), forged)
	if !errors.Is(err, model.ErrUnverifiedEvent) {
		t.Fatalf("err = %v, want ErrUnverifiedEvent", err)
	}

	if _, ok := f.store.Event("evt_forged"); ok {
		t.Fatalf("unverified event must not reach the ledger")
	}
}

func TestSubscriptionEventsMirrorProviderState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetProviderCustomerID(ctx, testAccount, "cus_42"))

	out, err := f.svc.HandleEvent(ctx, subscriptionEvent(t, "evt_sub_1", "customer.subscription.created", "sub_1", "cus_42", "price_pro", "active"))
	require.NoError(t, err)
	assert.Equal(t, "subscription:active", out.Effect)

	tier, err := f.svc.PlanTier(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, tier)

	_, err = f.svc.HandleEvent(ctx, subscriptionEvent(t, "evt_sub_2", "customer.subscription.deleted", "sub_1", "cus_42", "price_pro", "active"))
	require.NoError(t, err)

	subs, err := f.svc.ListSubscriptions(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionCanceled, subs[0].Status)
	assert.Equal(t, "sub_1", subs[0].ProviderSubscriptionID)

	out, err = f.svc.HandleEvent(ctx, subscriptionEvent(t, "evt_sub_3", "customer.subscription.updated", "sub_9", "cus_unknown", "price_pro", "active"))
	require.NoError(t, err)
	assert.Equal(t, "ignored:unknown_customer", out.Effect)

	out, err = f.svc.HandleEvent(ctx, subscriptionEvent(t, "evt_sub_4", "customer.subscription.updated", "sub_9", "cus_42", "price_gone", "active"))
	require.NoError(t, err)
	assert.Equal(t, "ignored:unknown_price", out.Effect)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		lines   []service.OrderLine
		wantErr error
	}{
		{name: "no items", lines: nil, wantErr: model.ErrInvalidOrder},
		{name: "zero quantity", lines: []service.OrderLine{{PriceID: f.catalog.guide.ID}}, wantErr: model.ErrInvalidOrder},
		{name: "unknown price", lines: []service.OrderLine{{PriceID: 9999, Quantity: 1}}, wantErr: model.ErrPriceNotFound},
		{
			name: "mixed currencies",
			lines: []service.OrderLine{
				{PriceID: f.catalog.guide.ID, Quantity: 1},
				{PriceID: f.catalog.euro.ID, Quantity: 1},
			},
			wantErr: model.ErrInvalidOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(ctx, testAccount, tt.lines)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	created, err := f.svc.CreateOrder(ctx, testAccount, []service.OrderLine{{PriceID: f.catalog.guide.ID, Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(8700), created.Order.TotalCents)
	assert.Equal(t, "USD", created.Order.Currency)
	assert.Equal(t, []string{"starter_guide"}, created.Order.Items[0].FeatureKeys)

	orders, err := f.svc.ListOrders(ctx, testAccount)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderWithCheckoutProvider(t *testing.T) {
	checkout := &stubCheckout{}
	f := newFixture(t, func(_ *service.Settings, d *service.Deps) { d.Checkout = checkout })

	created, err := f.svc.CreateOrder(context.Background(), testAccount, []service.OrderLine{{PriceID: f.catalog.guide.ID, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/"+created.Order.PublicID.String(), created.CheckoutURL)
	assert.Equal(t, "cs_"+created.Order.PublicID.String(), f.order(t, created.Order.PublicID).CheckoutID)

	checkout.err = errors.New("stripe down")
	created, err = f.svc.CreateOrder(context.Background(), testAccount, []service.OrderLine{{PriceID: f.catalog.guide.ID, Quantity: 1}})
	require.NoError(t, err, "checkout failure must not fail the order")
	assert.Empty(t, created.CheckoutURL)
	assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, created.Order.PublicID).Status)
	assert.Equal(t, 2, checkout.calls)
}

func TestConfirmOrderManually(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	order := f.createOrder(t, f.catalog.guide)
	_, err := f.svc.ConfirmOrderManually(ctx, testAccount, order.PublicID)
	if !errors.Is(err, model.ErrManualConfirmDisabled) {
		t.Fatalf("err = %v, want ErrManualConfirmDisabled", err)
	}

	f = newFixture(t, func(s *service.Settings, _ *service.Deps) { s.AllowManualConfirm = true })
	order = f.createOrder(t, f.catalog.guide)

	got, err := f.svc.ConfirmOrderManually(ctx, testAccount, order.PublicID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFulfilled, got.Status)

	got, err = f.svc.ConfirmOrderManually(ctx, testAccount, order.PublicID)
	if !errors.Is(err, model.ErrDuplicateEvent) {
		t.Fatalf("second confirm err = %v, want ErrDuplicateEvent", err)
	}
	assert.Equal(t, model.OrderStatusFulfilled, got.Status)

	_, err = f.svc.ConfirmOrderManually(ctx, testAccount+1, order.PublicID)
	if !errors.Is(err, model.ErrOrderNotFound) {
		t.Fatalf("foreign account err = %v, want ErrOrderNotFound", err)
	}
}

func TestSweeperCancelsAbandonedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.createOrder(t, f.catalog.guide)
	paid := f.createOrder(t, f.catalog.guide)
	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_paid", paid.PublicID, 2900, "usd"))
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	fresh := f.createOrder(t, f.catalog.guide)

	assert.Equal(t, 0, service.SweepAbandonedCheckouts(ctx, f.svc))

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, service.SweepAbandonedCheckouts(ctx, f.svc))

	assert.Equal(t, model.OrderStatusCanceled, f.order(t, stale.PublicID).Status)
	assert.Equal(t, model.OrderStatusFulfilled, f.order(t, paid.PublicID).Status)
	assert.Equal(t, model.OrderStatusPendingPayment, f.order(t, fresh.PublicID).Status)
}

func TestPaymentTransactionFollowsPaymentAndRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)
	intent := "pi_" + order.PublicID.String()

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_pay", order.PublicID, 2900, "usd"))
	require.NoError(t, err)

	txs := f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, "stripe", txs[0].Provider)
	assert.Equal(t, intent, txs[0].ExternalID)
	assert.Equal(t, model.PaymentSucceeded, txs[0].Status)
	assert.Equal(t, int64(2900), txs[0].AmountCents)
	assert.Equal(t, "USD", txs[0].Currency)

	_, err = f.svc.HandleEvent(ctx, refundEvent(t, "evt_partial", "", intent, 1000, 2900))
	require.NoError(t, err)

	txs = f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, model.PaymentPartiallyRefunded, txs[0].Status)
	assert.Equal(t, int64(1000), txs[0].RefundedCents)
	assert.Equal(t, int64(2900), txs[0].AmountCents)

	_, err = f.svc.HandleEvent(ctx, refundEvent(t, "evt_full", "", intent, 2900, 2900))
	require.NoError(t, err)

	txs = f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, model.PaymentRefunded, txs[0].Status)
	assert.Equal(t, int64(2900), txs[0].RefundedCents)
}

func TestPaymentTransactionRecordsMismatchedAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_short", order.PublicID, 1900, "usd"))
	if !errors.Is(err, model.ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}

	txs := f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, model.PaymentMismatched, txs[0].Status)
	assert.Equal(t, int64(1900), txs[0].AmountCents)

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_ok", order.PublicID, 2900, "usd"))
	require.NoError(t, err)

	txs = f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, model.PaymentSucceeded, txs[0].Status)
	assert.Equal(t, int64(2900), txs[0].AmountCents)
}

func TestManualConfirmationRecordsManualTransaction(t *testing.T) {
	f := newFixture(t, func(cfg *service.Settings, _ *service.Deps) {
		cfg.AllowManualConfirm = true
	})
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	_, err := f.svc.ConfirmOrderManually(ctx, testAccount, order.PublicID)
	require.NoError(t, err)

	txs := f.store.PaymentTransactions(order.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, "manual", txs[0].Provider)
	assert.Equal(t, model.PaymentSucceeded, txs[0].Status)
}

func TestPartialRefundIncidentDoesNotEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)

	_, err := f.svc.HandleEvent(ctx, paymentEvent(t, "evt_pay", order.PublicID, 2900, "usd"))
	require.NoError(t, err)

	_, err = f.svc.HandleEvent(ctx, refundEvent(t, "evt_partial", order.PublicID.String(), "", 1000, 2900))
	require.NoError(t, err)

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_late_pay", order.PublicID, 2900, "usd"))
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	require.Len(t, f.store.Incidents(order.ID), 2)
	assert.Equal(t, 2, f.logs.FilterMessage("order incident recorded").Len())
	assert.Zero(t, f.logs.FilterMessage("repeated order incident, manual review required").Len())

	_, err = f.svc.HandleEvent(ctx, paymentEvent(t, "evt_late_pay_2", order.PublicID, 2900, "usd"))
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	assert.Equal(t, 1, f.logs.FilterMessage("repeated order incident, manual review required").Len())
}

func TestConcurrentDeliveryOfSameEventAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, f.catalog.guide)
	ev := paymentEvent(t, "evt_storm", order.PublicID, 2900, "usd")

	const workers = 10
	var (
		wg         sync.WaitGroup
		processed  atomic.Int64
		duplicates atomic.Int64
		other      atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.HandleEvent(ctx, ev)
			switch {
			case err == nil && out.Status == service.EventProcessed:
				processed.Add(1)
			case errors.Is(err, model.ErrDuplicateEvent):
				duplicates.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), processed.Load())
	assert.Equal(t, int64(workers-1), duplicates.Load())
	assert.Zero(t, other.Load())

	grants, err := f.svc.ListGrants(ctx, testAccount)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Len(t, f.store.PaymentTransactions(order.ID), 1)
	assert.Equal(t, model.OrderStatusFulfilled, f.order(t, order.PublicID).Status)
}
