package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/repository/memory"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

const (
	testSecret  = "whsec_service_test"
	testAccount = int64(42)
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, customerID string) ([]model.ProviderSubscription, error)
}

func (p *stubProvider) ListSubscriptions(ctx context.Context, customerID string) ([]model.ProviderSubscription, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.fn == nil {
		return nil, nil
	}
	return p.fn(ctx, customerID)
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubSigner struct {
	err error
}

func (s *stubSigner) Sign(_ context.Context, key string, ttl time.Duration) (model.SignedURL, error) {
	if s.err != nil {
		return model.SignedURL{}, s.err
	}
	return model.SignedURL{URL: "https://files.test/" + key, ExpiresAt: time.Unix(0, 0).Add(ttl)}, nil
}

type stubCheckout struct {
	err   error
	calls int
}

func (c *stubCheckout) CreateCheckout(_ context.Context, order *model.Order, _ string, lines []billing.CheckoutLine) (*billing.Checkout, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &billing.Checkout{ID: "cs_" + order.PublicID.String(), URL: "https://checkout.test/" + order.PublicID.String()}, nil
}

type catalog struct {
	guide      model.Price
	pro        model.Price
	enterprise model.Price
	consult    model.Price
	euro       model.Price
}

type fixture struct {
	store    *memory.Store
	svc      *service.Service
	clock    *testClock
	provider *stubProvider
	signer   *stubSigner
	catalog  catalog
	logs     *observer.ObservedLogs
}

func testSettings() service.Settings {
	limit := func(v int64) *int64 { return &v }
	return service.Settings{
		SyncWindows:        model.SyncWindows{SoftSeconds: 300, HardSeconds: 1800},
		RefreshMinInterval: time.Minute,
		RefreshTimeout:     time.Second,
		RefreshRetries:     2,
		RefreshBackoff:     time.Millisecond,
		MaxDownloads:       5,
		DownloadURLTTL:     15 * time.Minute,
		PendingOrderTTL:    24 * time.Hour,
		SweepInterval:      time.Minute,
		NearLimitPercent:   80,
		Limits: map[model.PlanTier]map[string]*int64{
			model.PlanFree: {
				model.UsageTokens: limit(100000),
				model.UsageImages: limit(120),
				model.UsageVideos: limit(2),
			},
			model.PlanPro: {
				model.UsageTokens: limit(1500000),
				model.UsageImages: limit(1000),
				model.UsageVideos: limit(40),
			},
			model.PlanEnterprise: {},
		},
	}
}

func newFixture(t *testing.T, opts ...func(*service.Settings, *service.Deps)) *fixture {
	t.Helper()

	clock := &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))

	f := &fixture{
		store:    store,
		clock:    clock,
		provider: &stubProvider{},
		signer:   &stubSigner{},
	}
	f.catalog = seedCatalog(store)

	cfg := testSettings()
	deps := service.Deps{
		Provider: f.provider,
		Signer:   f.signer,
		Clock:    clock.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	f.logs = logs
	f.svc = service.NewService(store, deps, cfg, zap.New(core))
	return f
}

func seedCatalog(store *memory.Store) catalog {
	var c catalog

	guide := store.AddProduct(model.Product{
		Slug: "starter-guide", Name: "Starter Guide", Type: model.ProductTypeDigital,
		FeatureKeys: []string{"Starter Guide"},
	})
	store.AddAsset(model.Asset{ProductID: guide.ID, StorageKey: "guides/starter.pdf", Title: "Starter (PDF)", Active: true})
	store.AddAsset(model.Asset{ProductID: guide.ID, StorageKey: "guides/old.pdf", Title: "Old edition", Active: false})
	c.guide = store.AddPrice(model.Price{
		ProductID: guide.ID, AmountCents: 2900, Currency: "USD",
		BillingPeriod: model.BillingPeriodOneTime, Active: true,
	})

	pro := store.AddProduct(model.Product{
		Slug: "pro-plan", Name: "Pro", Type: model.ProductTypePlan, FeatureKeys: []string{"pro"},
	})
	c.pro = store.AddPrice(model.Price{
		ProductID: pro.ID, AmountCents: 1900, Currency: "USD",
		BillingPeriod: model.BillingPeriodMonthly, Active: true, ProviderPriceID: "price_pro",
	})

	ent := store.AddProduct(model.Product{
		Slug: "enterprise-plan", Name: "Enterprise", Type: model.ProductTypePlan, FeatureKeys: []string{"enterprise"},
	})
	c.enterprise = store.AddPrice(model.Price{
		ProductID: ent.ID, AmountCents: 99000, Currency: "USD",
		BillingPeriod: model.BillingPeriodYearly, Active: true, ProviderPriceID: "price_ent",
	})

	consult := store.AddProduct(model.Product{
		Slug: "onboarding", Name: "Onboarding", Type: model.ProductTypeService, FeatureKeys: []string{"onboarding"},
	})
	c.consult = store.AddPrice(model.Price{
		ProductID: consult.ID, AmountCents: 9900, Currency: "USD",
		BillingPeriod: model.BillingPeriodOneTime, Active: true,
	})

	euro := store.AddProduct(model.Product{
		Slug: "guide-eu", Name: "Guide EU", Type: model.ProductTypeDigital, FeatureKeys: []string{"guide_eu"},
	})
	c.euro = store.AddPrice(model.Price{
		ProductID: euro.ID, AmountCents: 2500, Currency: "eur",
		BillingPeriod: model.BillingPeriodOneTime, Active: true,
	})

	return c
}

func (f *fixture) createOrder(t *testing.T, prices ...model.Price) *model.Order {
	t.Helper()
	lines := make([]service.OrderLine, 0, len(prices))
	for _, p := range prices {
		lines = append(lines, service.OrderLine{PriceID: p.ID, Quantity: 1})
	}
	created, err := f.svc.CreateOrder(context.Background(), testAccount, lines)
	require.NoError(t, err)
	return created.Order
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *model.Order {
	t.Helper()
	o, err := f.svc.GetOrder(context.Background(), testAccount, id)
	require.NoError(t, err)
	return o
}

func signedEvent(t *testing.T, payload string) webhook.Event {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	ev, err := webhook.NewVerifier(testSecret).Parse(signed.Payload, signed.Header)
	require.NoError(t, err)
	return ev
}

func paymentEvent(t *testing.T, eventID string, order uuid.UUID, amount int64, currency string) webhook.Event {
	return signedEvent(t, fmt.Sprintf(`{
		"id": %q, "object": "event", "type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_%s", "object": "checkout.session", "payment_status": "paid",
			"amount_total": %d, "currency": %q, "payment_intent": "pi_%s",
			"metadata": {"order_public_id": %q}
		}}
	}`, eventID, eventID, amount, currency, order.String(), order.String()))
}

func refundEvent(t *testing.T, eventID, orderRef, paymentIntent string, amountRefunded, amount int64) webhook.Event {
	metadata := "{}"
	if orderRef != "" {
		metadata = fmt.Sprintf(`{"order_public_id": %q}`, orderRef)
	}
	return signedEvent(t, fmt.Sprintf(`{
		"id": %q, "object": "event", "type": "charge.refunded",
		"data": {"object": {
			"id": "ch_%s", "object": "charge", "amount": %d, "amount_refunded": %d,
			"currency": "usd", "refunded": %t, "payment_intent": %q, "metadata": %s
		}}
	}`, eventID, eventID, amount, amountRefunded, amountRefunded >= amount, paymentIntent, metadata))
}

func expiredEvent(t *testing.T, eventID string, order uuid.UUID) webhook.Event {
	return signedEvent(t, fmt.Sprintf(`{
		"id": %q, "object": "event", "type": "checkout.session.expired",
		"data": {"object": {"id": "cs_%s", "object": "checkout.session", "client_reference_id": %q}}
	}`, eventID, eventID, order.String()))
}

func subscriptionEvent(t *testing.T, eventID, eventType, subID, customer, price, status string) webhook.Event {
	return signedEvent(t, fmt.Sprintf(`{
		"id": %q, "object": "event", "type": %q,
		"data": {"object": {
			"id": %q, "object": "subscription", "customer": %q, "status": %q,
			"items": {"object": "list", "data": [{
				"id": "si_1", "current_period_start": 1772323200, "current_period_end": 1775001600,
				"price": {"id": %q}
			}]}
		}}
	}`, eventID, eventType, subID, customer, status, price))
}
