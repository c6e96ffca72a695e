package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// GetBillingSync возвращает запись о синхронизации. Для аккаунта без попыток запись пустая.
func (r *PostgresRepository) GetBillingSync(ctx context.Context, accountID int64) (model.BillingSyncRecord, error) {
	rec := model.BillingSyncRecord{AccountID: accountID}

	err := r.pool.QueryRow(ctx,
		`SELECT last_attempt_at, last_success_at, last_attempt_succeeded,
		        last_reason_code, last_error_code, last_error_detail
		 FROM billing_sync WHERE account_id = $1`,
		accountID,
	).Scan(&rec.LastAttemptAt, &rec.LastSuccessAt, &rec.LastAttemptSucceeded,
		&rec.LastReasonCode, &rec.LastErrorCode, &rec.LastErrorDetail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, nil
		}
		return rec, fmt.Errorf("get billing sync: %w", err)
	}

	return rec, nil
}

// RecordBillingSyncAttempt сохраняет итог попытки. last_success_at никогда не уменьшается.
func (r *PostgresRepository) RecordBillingSyncAttempt(ctx context.Context, accountID int64, a model.BillingSyncAttempt) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO billing_sync
			   (account_id, last_attempt_at, last_success_at, last_attempt_succeeded,
			    last_reason_code, last_error_code, last_error_detail)
			 VALUES ($1, $2::timestamptz, CASE WHEN $3::boolean THEN $2::timestamptz END, $3::boolean, $4, $5, $6)
			 ON CONFLICT (account_id) DO UPDATE SET
			   last_attempt_at = EXCLUDED.last_attempt_at,
			   last_success_at = CASE
			     WHEN EXCLUDED.last_attempt_succeeded
			      AND (billing_sync.last_success_at IS NULL OR EXCLUDED.last_attempt_at > billing_sync.last_success_at)
			     THEN EXCLUDED.last_attempt_at
			     ELSE billing_sync.last_success_at
			   END,
			   last_attempt_succeeded = EXCLUDED.last_attempt_succeeded,
			   last_reason_code = EXCLUDED.last_reason_code,
			   last_error_code = EXCLUDED.last_error_code,
			   last_error_detail = EXCLUDED.last_error_detail`,
			accountID, a.At, a.Success, a.ReasonCode, a.ErrorCode, a.Detail,
		)
		if err != nil {
			return fmt.Errorf("record billing sync attempt: %w", err)
		}
		return nil
	})
}
