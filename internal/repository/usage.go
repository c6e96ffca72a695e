package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// CheckAndIncrementUsage блокирует строку корзины, обнуляет её при смене периода и
// списывает amount, только если он помещается в limit.
func (r *PostgresRepository) CheckAndIncrementUsage(ctx context.Context, accountID int64, key string, amount int64, limit *int64, window model.ResetWindow, now time.Time) (model.UsageDecision, error) {
	var decision model.UsageDecision

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
			accountID,
		); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		start, end := window.Period(now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO usage_buckets (account_id, key, used, limit_value, reset_window, period_start, period_end)
			 VALUES ($1, $2, 0, $3, $4, $5, $6)
			 ON CONFLICT (account_id, key) DO NOTHING`,
			accountID, key, limit, string(window), timePtr(start), timePtr(end),
		); err != nil {
			return fmt.Errorf("insert usage bucket: %w", err)
		}

		b := model.UsageBucket{AccountID: accountID, Key: key}
		var (
			resetWindow string
			periodStart *time.Time
			periodEnd   *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT used, reset_window, period_start, period_end
			 FROM usage_buckets WHERE account_id = $1 AND key = $2
			 FOR UPDATE`,
			accountID, key,
		).Scan(&b.Used, &resetWindow, &periodStart, &periodEnd)
		if err != nil {
			return fmt.Errorf("lock usage bucket: %w", err)
		}
		b.ResetWindow = model.ResetWindow(resetWindow)
		b.PeriodStart, b.PeriodEnd = derefTime(periodStart), derefTime(periodEnd)

		b.Rollover(now)
		b.ApplyLimit(limit)

		allowed := b.Fits(amount)
		if allowed {
			b.Used += amount
		}

		if _, err := tx.Exec(ctx,
			`UPDATE usage_buckets
			 SET used = $3, limit_value = $4, period_start = $5, period_end = $6, updated_at = $7
			 WHERE account_id = $1 AND key = $2`,
			accountID, key, b.Used, limit, timePtr(b.PeriodStart), timePtr(b.PeriodEnd), now,
		); err != nil {
			return fmt.Errorf("update usage bucket: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		decision = model.UsageDecision{Allowed: allowed, Remaining: b.Remaining(), Bucket: b}
		return nil
	})

	return decision, err
}

// ListUsageBuckets возвращает сохранённые корзины аккаунта без изменения.
func (r *PostgresRepository) ListUsageBuckets(ctx context.Context, accountID int64) ([]model.UsageBucket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, used, limit_value, reset_window, period_start, period_end
		 FROM usage_buckets WHERE account_id = $1 ORDER BY key`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select usage buckets: %w", err)
	}
	defer rows.Close()

	var out []model.UsageBucket
	for rows.Next() {
		var (
			b           model.UsageBucket
			resetWindow string
			periodStart *time.Time
			periodEnd   *time.Time
		)
		if err := rows.Scan(&b.Key, &b.Used, &b.Limit, &resetWindow, &periodStart, &periodEnd); err != nil {
			return nil, fmt.Errorf("scan usage bucket: %w", err)
		}
		b.AccountID = accountID
		b.ResetWindow = model.ResetWindow(resetWindow)
		b.PeriodStart, b.PeriodEnd = derefTime(periodStart), derefTime(periodEnd)
		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
