package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// ErrCustomerLinked возвращается, если клиент провайдера уже привязан к другому аккаунту.
var ErrCustomerLinked = errors.New("provider customer already linked to another account")

const orderColumns = `id, public_id, account_id, status, total_cents, currency, checkout_id,
	paid_at, fulfilled_at, canceled_at, refunded_at, created_at, updated_at`

// EnsureAccount возвращает аккаунт, создавая его при первом обращении.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	var a model.Account
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
			accountID,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		return r.pool.QueryRow(ctx,
			`SELECT id, COALESCE(provider_customer_id, ''), created_at FROM accounts WHERE id = $1`,
			accountID,
		).Scan(&a.ID, &a.ProviderCustomerID, &a.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return &a, nil
}

// SetProviderCustomerID привязывает аккаунт к клиенту провайдера.
func (r *PostgresRepository) SetProviderCustomerID(ctx context.Context, accountID int64, customerID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (id, provider_customer_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET provider_customer_id = EXCLUDED.provider_customer_id`,
		accountID, nullString(customerID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrCustomerLinked, customerID)
		}
		return fmt.Errorf("set provider customer: %w", err)
	}
	return nil
}

// GetPricedProducts возвращает цены с продуктами. Отсутствующие идентификаторы пропускаются.
func (r *PostgresRepository) GetPricedProducts(ctx context.Context, priceIDs []int64) (map[int64]model.PricedProduct, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.product_id, p.amount_cents, p.currency, p.billing_period, p.active,
		        COALESCE(p.provider_price_id, ''), p.checkout_url,
		        pr.slug, pr.name, pr.type, pr.feature_keys
		 FROM prices p
		 JOIN products pr ON pr.id = p.product_id
		 WHERE p.id = ANY($1)`,
		priceIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select prices: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]model.PricedProduct, len(priceIDs))
	for rows.Next() {
		var (
			pp          model.PricedProduct
			currency    string
			period      string
			productType string
		)
		if err := rows.Scan(
			&pp.Price.ID, &pp.Price.ProductID, &pp.Price.AmountCents, &currency, &period, &pp.Price.Active,
			&pp.Price.ProviderPriceID, &pp.Price.CheckoutURL,
			&pp.Product.Slug, &pp.Product.Name, &productType, &pp.Product.FeatureKeys,
		); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		pp.Price.Currency = currency
		pp.Price.BillingPeriod = model.BillingPeriod(period)
		pp.Product.ID = pp.Price.ProductID
		pp.Product.Type = model.ProductType(productType)
		out[pp.Price.ID] = pp
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// CreateOrder сохраняет заказ со строками и заполняет присвоенные идентификаторы.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (public_id, account_id, status, total_cents, currency)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		order.PublicID, order.AccountID, string(order.Status), order.TotalCents, order.Currency,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		it := &order.Items[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO order_items
			   (order_id, product_id, price_id, quantity, unit_amount_cents, product_type, billing_period, feature_keys)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			order.ID, it.ProductID, it.PriceID, it.Quantity, it.UnitAmountCents,
			string(it.ProductType), string(it.BillingPeriod), nonNil(it.FeatureKeys),
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SetOrderCheckout сохраняет идентификатор сессии оплаты.
func (r *PostgresRepository) SetOrderCheckout(ctx context.Context, orderID int64, checkoutID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET checkout_id = $2, updated_at = now() WHERE id = $1`,
		orderID, checkoutID,
	)
	if err != nil {
		return fmt.Errorf("set order checkout: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ аккаунта.
func (r *PostgresRepository) GetOrder(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE public_id = $1 AND account_id = $2`,
		publicID, accountID,
	)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, r.pool, []*model.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders возвращает заказы аккаунта, новые первыми.
func (r *PostgresRepository) ListOrders(ctx context.Context, accountID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = $1 ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if err := loadItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}

	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *o)
	}
	return out, nil
}

// ListStalePendingOrders возвращает неоплаченные заказы, созданные раньше createdBefore.
func (r *PostgresRepository) ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT public_id FROM orders
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.OrderStatusPendingPayment), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale orders: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		out = append(out, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.PublicID, &o.AccountID, &status, &o.TotalCents, &o.Currency, &o.CheckoutID,
		&o.PaidAt, &o.FulfilledAt, &o.CanceledAt, &o.RefundedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func loadItems(ctx context.Context, q querier, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*model.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx,
		`SELECT id, order_id, product_id, price_id, quantity, unit_amount_cents, product_type, billing_period, feature_keys
		 FROM order_items WHERE order_id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it          model.OrderItem
			orderID     int64
			productType string
			period      string
		)
		if err := rows.Scan(&it.ID, &orderID, &it.ProductID, &it.PriceID, &it.Quantity, &it.UnitAmountCents,
			&productType, &period, &it.FeatureKeys); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		it.ProductType = model.ProductType(productType)
		it.BillingPeriod = model.BillingPeriod(period)
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// RecordEventIfNew вставляет событие в журнал. false означает, что событие уже было записано.
func (t *pgTx) RecordEventIfNew(ctx context.Context, ev model.WebhookEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO webhook_events (provider_event_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID, ev.EventType, ev.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEventProcessed сохраняет результат обработки события.
func (t *pgTx) MarkEventProcessed(ctx context.Context, providerEventID, effect string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE webhook_events SET processed_at = $2, order_effect = $3 WHERE provider_event_id = $1`,
		providerEventID, at, effect,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// LockOrder блокирует строку заказа до конца транзакции.
func (t *pgTx) LockOrder(ctx context.Context, publicID uuid.UUID) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE public_id = $1 FOR UPDATE`,
		publicID,
	)
	return t.lockedOrder(ctx, row)
}

// LockOrderByPaymentRef блокирует заказ по идентификатору платежа у провайдера.
func (t *pgTx) LockOrderByPaymentRef(ctx context.Context, paymentRef string) (*model.Order, error) {
	if paymentRef == "" {
		return nil, model.ErrOrderNotFound
	}
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1 ORDER BY id LIMIT 1 FOR UPDATE`,
		paymentRef,
	)
	return t.lockedOrder(ctx, row)
}

func (t *pgTx) lockedOrder(ctx context.Context, row pgx.Row) (*model.Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, t.tx, []*model.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrderStatus меняет статус, только если он всё ещё равен from.
func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET
		   status = $3::text,
		   updated_at = $4::timestamptz,
		   paid_at = CASE WHEN $3::text = 'paid' THEN $4::timestamptz ELSE paid_at END,
		   fulfilled_at = CASE WHEN $3::text = 'fulfilled' THEN $4::timestamptz ELSE fulfilled_at END,
		   canceled_at = CASE WHEN $3::text = 'canceled' THEN $4::timestamptz ELSE canceled_at END,
		   refunded_at = CASE WHEN $3::text = 'refunded' THEN $4::timestamptz ELSE refunded_at END
		 WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %d is no longer %s", model.ErrInvalidTransition, orderID, from)
	}
	return nil
}

// SetOrderPayment сохраняет ссылки на платёж. Пустые значения не затирают сохранённые.
func (t *pgTx) SetOrderPayment(ctx context.Context, orderID int64, paymentRef, checkoutID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET
		   payment_ref = COALESCE(NULLIF($2, ''), payment_ref),
		   checkout_id = COALESCE(NULLIF($3, ''), checkout_id)
		 WHERE id = $1`,
		orderID, paymentRef, checkoutID,
	)
	if err != nil {
		return fmt.Errorf("set order payment: %w", err)
	}
	return nil
}

// UpsertPaymentTransaction записывает платёж провайдера. Повтор по (provider, external_id)
// обновляет статус и сумму возврата. Сумма платежа меняется только событием оплаты.
func (t *pgTx) UpsertPaymentTransaction(ctx context.Context, pt model.PaymentTransaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_transactions
		   (order_id, provider, external_id, status, amount_cents, refunded_cents, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (provider, external_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     amount_cents = CASE WHEN EXCLUDED.refunded_cents = 0
		                         THEN EXCLUDED.amount_cents ELSE payment_transactions.amount_cents END,
		     currency = CASE WHEN EXCLUDED.refunded_cents = 0
		                     THEN EXCLUDED.currency ELSE payment_transactions.currency END,
		     refunded_cents = GREATEST(payment_transactions.refunded_cents, EXCLUDED.refunded_cents),
		     updated_at = EXCLUDED.updated_at`,
		pt.OrderID, pt.Provider, pt.ExternalID, string(pt.Status), pt.AmountCents, pt.RefundedCents,
		pt.Currency, pt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payment transaction: %w", err)
	}
	return nil
}

// AddIncident записывает расхождение и возвращает число эскалируемых расхождений по заказу.
func (t *pgTx) AddIncident(ctx context.Context, inc model.OrderIncident) (int, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_incidents (order_id, kind, detail, created_at) VALUES ($1, $2, $3, $4)`,
		inc.OrderID, inc.Kind, inc.Detail, inc.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert incident: %w", err)
	}

	var count int
	err = t.tx.QueryRow(ctx,
		`SELECT count(*) FROM order_incidents WHERE order_id = $1 AND kind = ANY($2)`,
		inc.OrderID, model.EscalatingIncidentKinds,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return count, nil
}
