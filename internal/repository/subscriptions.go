package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// ListSubscriptions возвращает подписки аккаунта.
func (r *PostgresRepository) ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, product_id, price_id, COALESCE(provider_subscription_id, ''), source_order_id,
		        status, current_period_start, current_period_end, cancel_at_period_end, canceled_at, updated_at
		 FROM subscriptions
		 WHERE account_id = $1
		 ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var (
			s      model.Subscription
			status string
		)
		if err := rows.Scan(&s.ID, &s.AccountID, &s.ProductID, &s.PriceID, &s.ProviderSubscriptionID, &s.SourceOrderID,
			&status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CanceledAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Status = model.SubscriptionStatus(status)
		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// ListEntitlementSources возвращает ключи возможностей исполненных заказов и действующих подписок.
func (r *PostgresRepository) ListEntitlementSources(ctx context.Context, accountID int64) ([]model.EntitlementSource, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT unnest(oi.feature_keys), 'purchase', o.public_id::text
		 FROM order_items oi
		 JOIN orders o ON o.id = oi.order_id
		 WHERE o.account_id = $1 AND o.status = 'fulfilled'
		 UNION ALL
		 SELECT unnest(p.feature_keys), 'plan', p.slug
		 FROM subscriptions s
		 JOIN products p ON p.id = s.product_id
		 WHERE s.account_id = $1 AND s.status IN ('active', 'trialing')`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select entitlement sources: %w", err)
	}
	defer rows.Close()

	var out []model.EntitlementSource
	for rows.Next() {
		var (
			src        model.EntitlementSource
			sourceType string
		)
		if err := rows.Scan(&src.FeatureKey, &sourceType, &src.Reference); err != nil {
			return nil, fmt.Errorf("scan entitlement source: %w", err)
		}
		src.Type = model.EntitlementSourceType(sourceType)
		out = append(out, src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// CreateSubscriptions создаёт локальные подписки, выданные исполненным заказом.
func (t *pgTx) CreateSubscriptions(ctx context.Context, subs []model.Subscription) error {
	for _, s := range subs {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO subscriptions
			   (account_id, product_id, price_id, provider_subscription_id, source_order_id, status,
			    current_period_start, current_period_end, cancel_at_period_end, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.AccountID, s.ProductID, s.PriceID, nullString(s.ProviderSubscriptionID), s.SourceOrderID, string(s.Status),
			s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
	}
	return nil
}

// CancelOrderSubscriptions отменяет подписки, созданные заказом.
func (t *pgTx) CancelOrderSubscriptions(ctx context.Context, orderID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET status = 'canceled', canceled_at = $2, updated_at = $2
		 WHERE source_order_id = $1 AND status <> 'canceled'`,
		orderID, at,
	)
	if err != nil {
		return fmt.Errorf("cancel order subscriptions: %w", err)
	}
	return nil
}

// GetAccountByCustomerID находит аккаунт по клиенту провайдера.
func (t *pgTx) GetAccountByCustomerID(ctx context.Context, customerID string) (*model.Account, error) {
	if customerID == "" {
		return nil, model.ErrAccountNotFound
	}

	var a model.Account
	err := t.tx.QueryRow(ctx,
		`SELECT id, provider_customer_id, created_at FROM accounts WHERE provider_customer_id = $1`,
		customerID,
	).Scan(&a.ID, &a.ProviderCustomerID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account by customer: %w", err)
	}
	return &a, nil
}

// GetPriceByProviderID находит цену по идентификатору цены у провайдера.
func (t *pgTx) GetPriceByProviderID(ctx context.Context, providerPriceID string) (*model.Price, error) {
	if providerPriceID == "" {
		return nil, model.ErrPriceNotFound
	}

	var (
		p      model.Price
		period string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, product_id, amount_cents, currency, billing_period, active, provider_price_id, checkout_url
		 FROM prices WHERE provider_price_id = $1`,
		providerPriceID,
	).Scan(&p.ID, &p.ProductID, &p.AmountCents, &p.Currency, &period, &p.Active, &p.ProviderPriceID, &p.CheckoutURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrPriceNotFound
		}
		return nil, fmt.Errorf("get price by provider id: %w", err)
	}
	p.BillingPeriod = model.BillingPeriod(period)
	return &p, nil
}

// UpsertProviderSubscription создаёт или обновляет зеркало подписки провайдера.
func (t *pgTx) UpsertProviderSubscription(ctx context.Context, s model.Subscription) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions
		   (account_id, product_id, price_id, provider_subscription_id, status,
		    current_period_start, current_period_end, cancel_at_period_end, canceled_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (provider_subscription_id) DO UPDATE SET
		   account_id = EXCLUDED.account_id,
		   product_id = EXCLUDED.product_id,
		   price_id = EXCLUDED.price_id,
		   status = EXCLUDED.status,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   canceled_at = EXCLUDED.canceled_at,
		   updated_at = EXCLUDED.updated_at`,
		s.AccountID, s.ProductID, s.PriceID, s.ProviderSubscriptionID, string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// CancelProviderSubscriptionsExcept отменяет зеркала подписок, которых больше нет в ответе провайдера.
func (t *pgTx) CancelProviderSubscriptionsExcept(ctx context.Context, accountID int64, keep []string, at time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET status = 'canceled', canceled_at = $3, updated_at = $3
		 WHERE account_id = $1
		   AND provider_subscription_id IS NOT NULL
		   AND status <> 'canceled'
		   AND NOT (provider_subscription_id = ANY($2))`,
		accountID, nonNil(keep), at,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel stale subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
