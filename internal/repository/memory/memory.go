// Package memory содержит хранилище в памяти процесса для тестов и запуска без PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

type usageKey struct {
	accountID int64
	key       string
}

type state struct {
	accounts  map[int64]model.Account
	products  map[int64]model.Product
	assets    map[int64]model.Asset
	prices    map[int64]model.Price
	orders    map[int64]model.Order
	payments  map[int64]string
	incidents []model.OrderIncident
	events    map[string]model.WebhookEvent
	grants    map[int64]model.DownloadGrant
	subs      map[int64]model.Subscription
	usage     map[usageKey]model.UsageBucket
	syncs     map[int64]model.BillingSyncRecord
	seq       int64

	transactions []model.PaymentTransaction
}

func newState() *state {
	return &state{
		accounts: make(map[int64]model.Account),
		products: make(map[int64]model.Product),
		assets:   make(map[int64]model.Asset),
		prices:   make(map[int64]model.Price),
		orders:   make(map[int64]model.Order),
		payments: make(map[int64]string),
		events:   make(map[string]model.WebhookEvent),
		grants:   make(map[int64]model.DownloadGrant),
		subs:     make(map[int64]model.Subscription),
		usage:    make(map[usageKey]model.UsageBucket),
		syncs:    make(map[int64]model.BillingSyncRecord),
	}
}

// clone копирует изменяемое состояние. Каталог не меняется в транзакциях и разделяется.
func (st *state) clone() *state {
	c := *st
	c.accounts = cloneMap(st.accounts)
	c.orders = make(map[int64]model.Order, len(st.orders))
	for id, o := range st.orders {
		o.Items = slices.Clone(o.Items)
		c.orders[id] = o
	}
	c.payments = cloneMap(st.payments)
	c.incidents = slices.Clone(st.incidents)
	c.transactions = slices.Clone(st.transactions)
	c.events = cloneMap(st.events)
	c.grants = cloneMap(st.grants)
	c.subs = cloneMap(st.subs)
	c.usage = cloneMap(st.usage)
	c.syncs = cloneMap(st.syncs)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *state) nextID() int64 {
	st.seq++
	return st.seq
}

// Store реализует хранилище в памяти. Транзакции выполняются последовательно под одним мьютексом;
// при ошибке состояние возвращается к снимку.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// Option настраивает Store.
type Option func(*Store)

// WithClock задаёт источник времени для отметок создания.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New создаёт пустое хранилище.
func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close ничего не делает.
func (s *Store) Close() error { return nil }

// InTx выполняет fn атомарно.
func (s *Store) InTx(ctx context.Context, fn func(tx service.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// AddProduct добавляет продукт в каталог и возвращает его с присвоенным идентификатором.
func (s *Store) AddProduct(p model.Product) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.st.nextID()
	s.st.products[p.ID] = p
	return p
}

// AddAsset добавляет файл продукта.
func (s *Store) AddAsset(a model.Asset) model.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.st.nextID()
	s.st.assets[a.ID] = a
	return a
}

// AddPrice добавляет цену продукта. Активная цена у продукта одна: новая активная цена снимает флаг с прежней.
func (s *Store) AddPrice(p model.Price) model.Price {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.st.nextID()
	p.Currency = strings.ToUpper(p.Currency)
	if p.Active {
		for id, old := range s.st.prices {
			if old.ProductID == p.ProductID && old.Active {
				old.Active = false
				s.st.prices[id] = old
			}
		}
	}
	s.st.prices[p.ID] = p
	return p
}

// Incidents возвращает расхождения по заказу.
func (s *Store) Incidents(orderID int64) []model.OrderIncident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrderIncident
	for _, inc := range s.st.incidents {
		if inc.OrderID == orderID {
			out = append(out, inc)
		}
	}
	return out
}

// PaymentTransactions возвращает платежи провайдера по заказу.
func (s *Store) PaymentTransactions(orderID int64) []model.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PaymentTransaction
	for _, pt := range s.st.transactions {
		if pt.OrderID == orderID {
			out = append(out, pt)
		}
	}
	return out
}

// Event возвращает запись журнала событий.
func (s *Store) Event(providerEventID string) (model.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.events[providerEventID]
	return ev, ok
}

func (s *Store) EnsureAccount(_ context.Context, accountID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[accountID]
	if !ok {
		a = model.Account{ID: accountID, CreatedAt: s.now()}
		s.st.accounts[accountID] = a
	}
	return &a, nil
}

func (s *Store) SetProviderCustomerID(_ context.Context, accountID int64, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.st.accounts {
		if id != accountID && a.ProviderCustomerID == customerID && customerID != "" {
			return fmt.Errorf("provider customer %s already linked to account %d", customerID, id)
		}
	}
	a, ok := s.st.accounts[accountID]
	if !ok {
		a = model.Account{ID: accountID, CreatedAt: s.now()}
	}
	a.ProviderCustomerID = customerID
	s.st.accounts[accountID] = a
	return nil
}

func (s *Store) GetPricedProducts(_ context.Context, priceIDs []int64) (map[int64]model.PricedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]model.PricedProduct, len(priceIDs))
	for _, id := range priceIDs {
		p, ok := s.st.prices[id]
		if !ok {
			continue
		}
		prod, ok := s.st.products[p.ProductID]
		if !ok {
			continue
		}
		prod.FeatureKeys = slices.Clone(prod.FeatureKeys)
		out[id] = model.PricedProduct{Price: p, Product: prod}
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order.ID = s.st.nextID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = s.st.nextID()
	}

	stored := *order
	stored.Items = slices.Clone(order.Items)
	s.st.orders[order.ID] = stored
	return nil
}

func (s *Store) SetOrderCheckout(_ context.Context, orderID int64, checkoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.CheckoutID = checkoutID
	s.st.orders[orderID] = o
	return nil
}

func (s *Store) GetOrder(_ context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orderByPublicID(publicID)
	if !ok || o.AccountID != accountID {
		return nil, model.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) ListOrders(_ context.Context, accountID int64) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.st.orders {
		if o.AccountID == accountID {
			o.Items = slices.Clone(o.Items)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) ListStalePendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []model.Order
	for _, o := range s.st.orders {
		if o.Status == model.OrderStatusPendingPayment && o.CreatedAt.Before(createdBefore) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]uuid.UUID, 0, len(stale))
	for _, o := range stale {
		out = append(out, o.PublicID)
	}
	return out, nil
}

func (s *Store) ListSubscriptions(_ context.Context, accountID int64) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscription
	for _, sub := range s.st.subs {
		if sub.AccountID == accountID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListEntitlementSources(_ context.Context, accountID int64) ([]model.EntitlementSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.EntitlementSource
	for _, o := range s.st.orders {
		if o.AccountID != accountID || o.Status != model.OrderStatusFulfilled {
			continue
		}
		for _, it := range o.Items {
			for _, key := range it.FeatureKeys {
				out = append(out, model.EntitlementSource{
					FeatureKey: key,
					Type:       model.EntitlementSourcePurchase,
					Reference:  o.PublicID.String(),
				})
			}
		}
	}
	for _, sub := range s.st.subs {
		if sub.AccountID != accountID || !sub.Status.Entitling() {
			continue
		}
		prod := s.st.products[sub.ProductID]
		for _, key := range prod.FeatureKeys {
			out = append(out, model.EntitlementSource{
				FeatureKey: key,
				Type:       model.EntitlementSourcePlan,
				Reference:  prod.Slug,
			})
		}
	}
	return out, nil
}

func (s *Store) ListGrants(_ context.Context, accountID int64) ([]model.DownloadGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DownloadGrant
	for _, g := range s.st.grants {
		if g.AccountID == accountID {
			g.OrderStatus = s.st.orders[g.OrderID].Status
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ConsumeGrant(_ context.Context, accountID int64, token uuid.UUID, now time.Time, sign service.SignFunc) (*model.DownloadGrant, model.SignedURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		g     model.DownloadGrant
		found bool
	)
	for _, cand := range s.st.grants {
		if cand.Token == token && cand.AccountID == accountID {
			g, found = cand, true
			break
		}
	}
	if !found {
		return nil, model.SignedURL{}, model.ErrGrantNotFound
	}

	g.OrderStatus = s.st.orders[g.OrderID].Status
	if !g.CanDownload(now) {
		return nil, model.SignedURL{}, model.ErrGrantLocked
	}

	signed, err := sign(g)
	if err != nil {
		return nil, model.SignedURL{}, err
	}

	g.DownloadCount++
	g.LastDownloadedAt = &now
	s.st.grants[g.ID] = g

	return &g, signed, nil
}

func (s *Store) CheckAndIncrementUsage(_ context.Context, accountID int64, key string, amount int64, limit *int64, window model.ResetWindow, now time.Time) (model.UsageDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := usageKey{accountID: accountID, key: key}
	b, ok := s.st.usage[k]
	if !ok {
		b = model.UsageBucket{AccountID: accountID, Key: key, ResetWindow: window}
		b.PeriodStart, b.PeriodEnd = window.Period(now)
	}
	b.Rollover(now)
	b.ApplyLimit(limit)

	allowed := b.Fits(amount)
	if allowed {
		b.Used += amount
	}
	s.st.usage[k] = b

	return model.UsageDecision{Allowed: allowed, Remaining: b.Remaining(), Bucket: b}, nil
}

func (s *Store) ListUsageBuckets(_ context.Context, accountID int64) ([]model.UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UsageBucket
	for k, b := range s.st.usage {
		if k.accountID == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) GetBillingSync(_ context.Context, accountID int64) (model.BillingSyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.syncs[accountID]
	if !ok {
		rec = model.BillingSyncRecord{AccountID: accountID}
	}
	return rec, nil
}

func (s *Store) RecordBillingSyncAttempt(_ context.Context, accountID int64, attempt model.BillingSyncAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.syncs[accountID]
	if !ok {
		rec = model.BillingSyncRecord{AccountID: accountID}
	}
	s.st.syncs[accountID] = rec.Apply(attempt)
	return nil
}

func (st *state) orderByPublicID(publicID uuid.UUID) (*model.Order, bool) {
	for _, o := range st.orders {
		if o.PublicID == publicID {
			o.Items = slices.Clone(o.Items)
			return &o, true
		}
	}
	return nil, false
}

// tx работает с состоянием, уже захваченным InTx.
type tx struct {
	st *state
}

func (t *tx) RecordEventIfNew(_ context.Context, ev model.WebhookEvent) (bool, error) {
	if _, ok := t.st.events[ev.ProviderEventID]; ok {
		return false, nil
	}
	t.st.events[ev.ProviderEventID] = ev
	return true, nil
}

func (t *tx) MarkEventProcessed(_ context.Context, providerEventID, effect string, at time.Time) error {
	ev, ok := t.st.events[providerEventID]
	if !ok {
		return fmt.Errorf("event %s is not recorded", providerEventID)
	}
	ev.ProcessedAt = &at
	ev.OrderEffect = &effect
	t.st.events[providerEventID] = ev
	return nil
}

func (t *tx) LockOrder(_ context.Context, publicID uuid.UUID) (*model.Order, error) {
	o, ok := t.st.orderByPublicID(publicID)
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return o, nil
}

func (t *tx) LockOrderByPaymentRef(_ context.Context, paymentRef string) (*model.Order, error) {
	for id, ref := range t.st.payments {
		if ref == paymentRef && paymentRef != "" {
			o := t.st.orders[id]
			o.Items = slices.Clone(o.Items)
			return &o, nil
		}
	}
	return nil, model.ErrOrderNotFound
}

func (t *tx) UpdateOrderStatus(_ context.Context, orderID int64, from, to model.OrderStatus, at time.Time) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %d is %s, expected %s", model.ErrInvalidTransition, orderID, o.Status, from)
	}
	o.Status = to
	o.UpdatedAt = at
	switch to {
	case model.OrderStatusPaid:
		o.PaidAt = &at
	case model.OrderStatusFulfilled:
		o.FulfilledAt = &at
	case model.OrderStatusCanceled:
		o.CanceledAt = &at
	case model.OrderStatusRefunded:
		o.RefundedAt = &at
	}
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) SetOrderPayment(_ context.Context, orderID int64, paymentRef, checkoutID string) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if paymentRef != "" {
		t.st.payments[orderID] = paymentRef
	}
	if checkoutID != "" {
		o.CheckoutID = checkoutID
		t.st.orders[orderID] = o
	}
	return nil
}

func (t *tx) AddIncident(_ context.Context, inc model.OrderIncident) (int, error) {
	t.st.incidents = append(t.st.incidents, inc)
	count := 0
	for _, i := range t.st.incidents {
		if i.OrderID == inc.OrderID && model.IncidentEscalates(i.Kind) {
			count++
		}
	}
	return count, nil
}

func (t *tx) UpsertPaymentTransaction(_ context.Context, pt model.PaymentTransaction) error {
	for i, cur := range t.st.transactions {
		if cur.Provider == pt.Provider && cur.ExternalID == pt.ExternalID {
			cur.Status = pt.Status
			if pt.RefundedCents == 0 {
				cur.AmountCents = pt.AmountCents
				cur.Currency = pt.Currency
			}
			cur.RefundedCents = max(cur.RefundedCents, pt.RefundedCents)
			cur.UpdatedAt = pt.UpdatedAt
			t.st.transactions[i] = cur
			return nil
		}
	}
	pt.ID = t.st.nextID()
	pt.CreatedAt = pt.UpdatedAt
	t.st.transactions = append(t.st.transactions, pt)
	return nil
}

func (t *tx) ListActiveAssets(_ context.Context, productIDs []int64) ([]model.Asset, error) {
	var out []model.Asset
	for _, a := range t.st.assets {
		if a.Active && slices.Contains(productIDs, a.ProductID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) CreateGrants(_ context.Context, grants []model.DownloadGrant) (int, error) {
	created := 0
	for _, g := range grants {
		exists := false
		for _, cur := range t.st.grants {
			if cur.OrderItemID == g.OrderItemID && cur.AssetID == g.AssetID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		g.ID = t.st.nextID()
		t.st.grants[g.ID] = g
		created++
	}
	return created, nil
}

func (t *tx) RevokeOrderGrants(_ context.Context, orderID int64, at time.Time) (int64, error) {
	var n int64
	for id, g := range t.st.grants {
		if g.OrderID == orderID && g.RevokedAt == nil {
			g.RevokedAt = &at
			t.st.grants[id] = g
			n++
		}
	}
	return n, nil
}

func (t *tx) CreateSubscriptions(_ context.Context, subs []model.Subscription) error {
	for _, sub := range subs {
		sub.ID = t.st.nextID()
		t.st.subs[sub.ID] = sub
	}
	return nil
}

func (t *tx) CancelOrderSubscriptions(_ context.Context, orderID int64, at time.Time) error {
	for id, sub := range t.st.subs {
		if sub.SourceOrderID != nil && *sub.SourceOrderID == orderID && sub.Status != model.SubscriptionCanceled {
			sub.Status = model.SubscriptionCanceled
			sub.CanceledAt = &at
			sub.UpdatedAt = at
			t.st.subs[id] = sub
		}
	}
	return nil
}

func (t *tx) GetAccountByCustomerID(_ context.Context, customerID string) (*model.Account, error) {
	if customerID == "" {
		return nil, model.ErrAccountNotFound
	}
	for _, a := range t.st.accounts {
		if a.ProviderCustomerID == customerID {
			return &a, nil
		}
	}
	return nil, model.ErrAccountNotFound
}

func (t *tx) GetPriceByProviderID(_ context.Context, providerPriceID string) (*model.Price, error) {
	if providerPriceID == "" {
		return nil, model.ErrPriceNotFound
	}
	for _, p := range t.st.prices {
		if p.ProviderPriceID == providerPriceID {
			return &p, nil
		}
	}
	return nil, model.ErrPriceNotFound
}

func (t *tx) UpsertProviderSubscription(_ context.Context, sub model.Subscription) error {
	for id, cur := range t.st.subs {
		if cur.ProviderSubscriptionID != "" && cur.ProviderSubscriptionID == sub.ProviderSubscriptionID {
			sub.ID = id
			sub.SourceOrderID = cur.SourceOrderID
			t.st.subs[id] = sub
			return nil
		}
	}
	sub.ID = t.st.nextID()
	t.st.subs[sub.ID] = sub
	return nil
}

func (t *tx) CancelProviderSubscriptionsExcept(_ context.Context, accountID int64, keep []string, at time.Time) (int64, error) {
	var n int64
	for id, sub := range t.st.subs {
		if sub.AccountID != accountID || sub.ProviderSubscriptionID == "" ||
			sub.Status == model.SubscriptionCanceled || slices.Contains(keep, sub.ProviderSubscriptionID) {
			continue
		}
		sub.Status = model.SubscriptionCanceled
		sub.CanceledAt = &at
		sub.UpdatedAt = at
		t.st.subs[id] = sub
		n++
	}
	return n, nil
}

// SeedDemoCatalog наполняет каталог примерами для локального запуска.
func (s *Store) SeedDemoCatalog() {
	guide := s.AddProduct(model.Product{
		Slug:        "starter-guide",
		Name:        "Starter Guide",
		Type:        model.ProductTypeDigital,
		FeatureKeys: []string{"starter_guide"},
	})
	s.AddAsset(model.Asset{ProductID: guide.ID, StorageKey: "guides/starter-guide.pdf", Title: "Starter Guide (PDF)", Active: true})
	s.AddPrice(model.Price{ProductID: guide.ID, AmountCents: 2900, Currency: "USD", BillingPeriod: model.BillingPeriodOneTime, Active: true})

	pro := s.AddProduct(model.Product{
		Slug:        "pro-plan",
		Name:        "Pro Plan",
		Type:        model.ProductTypePlan,
		FeatureKeys: []string{"pro", "priority_support"},
	})
	s.AddPrice(model.Price{ProductID: pro.ID, AmountCents: 1900, Currency: "USD", BillingPeriod: model.BillingPeriodMonthly, Active: true})

	consult := s.AddProduct(model.Product{
		Slug:        "onboarding-session",
		Name:        "Onboarding Session",
		Type:        model.ProductTypeService,
		FeatureKeys: []string{"onboarding"},
	})
	s.AddPrice(model.Price{ProductID: consult.ID, AmountCents: 9900, Currency: "USD", BillingPeriod: model.BillingPeriodOneTime, Active: true})
}
