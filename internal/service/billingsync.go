package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/metrics"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// Status возвращает статус свежести подписок аккаунта. Одно чтение, без побочных эффектов.
func (s *Service) Status(ctx context.Context, accountID int64) (model.BillingSyncStatus, error) {
	rec, err := s.repo.GetBillingSync(ctx, accountID)
	if err != nil {
		return model.BillingSyncStatus{}, err
	}
	return model.EvaluateFreshness(rec, s.now(), s.cfg.SyncWindows), nil
}

type refreshResult struct {
	status model.BillingSyncStatus
	err    error
}

// Refresh обновляет подписки аккаунта у провайдера. Одновременные вызовы по одному
// аккаунту ждут общего результата, каждый в пределах своего контекста.
func (s *Service) Refresh(ctx context.Context, accountID int64) (model.BillingSyncStatus, error) {
	ch := s.refreshGroup.DoChan(strconv.FormatInt(accountID, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()

		st, err := s.refresh(rctx, accountID)
		return refreshResult{status: st, err: err}, nil
	})

	select {
	case <-ctx.Done():
		return model.BillingSyncStatus{}, ctx.Err()
	case res := <-ch:
		r := res.Val.(refreshResult)
		return r.status, r.err
	}
}

// Ensure обновляет подписки, только если сведения уже не свежие.
func (s *Service) Ensure(ctx context.Context, accountID int64) (model.BillingSyncStatus, error) {
	st, err := s.Status(ctx, accountID)
	if err != nil {
		return st, err
	}
	if st.State == model.SyncStateFresh {
		return st, nil
	}
	return s.Refresh(ctx, accountID)
}

func (s *Service) refresh(ctx context.Context, accountID int64) (model.BillingSyncStatus, error) {
	if !s.limiters.allow(accountID, s.now()) {
		metrics.BillingRefreshTotal.WithLabelValues("throttled").Inc()
		st, err := s.Status(ctx, accountID)
		if err != nil {
			return st, err
		}
		st.Throttled = true
		return st, nil
	}

	account, err := s.repo.EnsureAccount(ctx, accountID)
	if err != nil {
		return model.BillingSyncStatus{}, err
	}

	if account.ProviderCustomerID == "" {
		return s.recordAttempt(ctx, accountID, model.BillingSyncAttempt{
			At:         s.now(),
			Success:    true,
			ReasonCode: model.ReasonNoSubscriptionPayload,
		}, nil)
	}

	if s.provider == nil {
		return s.recordAttempt(ctx, accountID, model.BillingSyncAttempt{
			At:        s.now(),
			ErrorCode: model.ErrorCodeProviderUnavailable,
			Detail:    "billing provider is not configured",
		}, billing.ErrNotConfigured)
	}

	start := time.Now()
	subs, err := s.fetch(ctx, account.ProviderCustomerID)
	metrics.BillingRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("billing provider refresh failed", zap.Int64("account_id", accountID), zap.Error(err))
		return s.recordAttempt(ctx, accountID, model.BillingSyncAttempt{
			At:        s.now(),
			ErrorCode: model.ErrorCodeProviderUnavailable,
			Detail:    err.Error(),
		}, err)
	}

	reason, err := s.applyProviderSubscriptions(ctx, accountID, subs)
	if err != nil {
		s.logger.Error("apply provider subscriptions error", zap.Int64("account_id", accountID), zap.Error(err))
		return s.recordAttempt(ctx, accountID, model.BillingSyncAttempt{
			At:        s.now(),
			ErrorCode: model.ErrorCodeUpsertFailed,
			Detail:    err.Error(),
		}, err)
	}

	return s.recordAttempt(ctx, accountID, model.BillingSyncAttempt{
		At:         s.now(),
		Success:    true,
		ReasonCode: reason,
	}, nil)
}

// fetch запрашивает подписки с ограниченным числом повторов для временных сбоев.
func (s *Service) fetch(ctx context.Context, customerID string) ([]model.ProviderSubscription, error) {
	backoff := retry.WithMaxRetries(s.cfg.RefreshRetries, retry.NewExponential(s.cfg.RefreshBackoff))

	var subs []model.ProviderSubscription
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		subs, err = s.provider.ListSubscriptions(ctx, customerID)
		if errors.Is(err, billing.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})

	return subs, err
}

// applyProviderSubscriptions переносит ответ провайдера в локальное зеркало и возвращает код причины.
func (s *Service) applyProviderSubscriptions(ctx context.Context, accountID int64, subs []model.ProviderSubscription) (string, error) {
	var (
		applied, failed int
		entitling       bool
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		applied, failed, entitling = 0, 0, false
		keep := make([]string, 0, len(subs))

		for _, ps := range subs {
			keep = append(keep, ps.ID)

			price, err := tx.GetPriceByProviderID(ctx, ps.PriceID)
			if errors.Is(err, model.ErrPriceNotFound) {
				failed++
				s.logger.Warn("provider subscription with unknown price",
					zap.Int64("account_id", accountID),
					zap.String("subscription", ps.ID),
					zap.String("price", ps.PriceID),
				)
				continue
			}
			if err != nil {
				return err
			}

			sub := mirrorSubscription(accountID, price, ps, s.now())
			if err := tx.UpsertProviderSubscription(ctx, sub); err != nil {
				return err
			}
			applied++
			if sub.Status.Entitling() {
				entitling = true
			}
		}

		if failed > 0 && applied == 0 {
			return fmt.Errorf("none of %d provider subscriptions could be applied", failed)
		}

		_, err := tx.CancelProviderSubscriptionsExcept(ctx, accountID, keep, s.now())
		return err
	})
	if err != nil {
		return "", err
	}

	switch {
	case failed > 0:
		return model.ReasonSyncedWithPartialErrors, nil
	case !entitling:
		return model.ReasonNoActiveSubscription, nil
	default:
		return model.ReasonSynced, nil
	}
}

func (s *Service) recordAttempt(ctx context.Context, accountID int64, attempt model.BillingSyncAttempt, cause error) (model.BillingSyncStatus, error) {
	if err := s.repo.RecordBillingSyncAttempt(ctx, accountID, attempt); err != nil {
		return model.BillingSyncStatus{}, err
	}

	st, err := s.Status(ctx, accountID)
	if err != nil {
		return st, err
	}

	if cause != nil {
		metrics.BillingRefreshTotal.WithLabelValues("failure").Inc()
		return st, fmt.Errorf("%w: %v", model.ErrBillingProviderUnavailable, cause)
	}

	metrics.BillingRefreshTotal.WithLabelValues("success").Inc()
	return st, nil
}
