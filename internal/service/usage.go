package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/metrics"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/validation"
)

// UsageView показывает состояние одной корзины.
type UsageView struct {
	Key         string            `json:"key"`
	Used        int64             `json:"used"`
	Limit       *int64            `json:"limit"`
	Remaining   *int64            `json:"remaining"`
	PercentUsed float64           `json:"percent_used"`
	NearLimit   bool              `json:"near_limit"`
	ResetWindow model.ResetWindow `json:"reset_window"`
	PeriodStart *time.Time        `json:"period_start"`
	PeriodEnd   *time.Time        `json:"period_end"`
}

// UsageSummary объединяет тариф аккаунта и состояние всех учитываемых корзин.
type UsageSummary struct {
	PlanTier model.PlanTier `json:"plan_tier"`
	Buckets  []UsageView    `json:"buckets"`
}

// limitFor возвращает лимит корзины для тарифа; nil означает безлимит.
func (s *Service) limitFor(tier model.PlanTier, key string) *int64 {
	limits, ok := s.cfg.Limits[tier]
	if !ok {
		limits = s.cfg.Limits[model.PlanFree]
	}
	l, ok := limits[key]
	if !ok || l == nil {
		return nil
	}
	v := *l
	return &v
}

// CheckAndIncrement атомарно проверяет лимит и списывает amount, если он помещается.
func (s *Service) CheckAndIncrement(ctx context.Context, accountID int64, key string, amount int64) (model.UsageDecision, error) {
	if amount < 1 || amount > model.MaxUsageAmount {
		return model.UsageDecision{}, fmt.Errorf("%w: amount must be between 1 and %d", model.ErrInvalidUsage, model.MaxUsageAmount)
	}
	if !validation.IsValidUsageKey(key) {
		return model.UsageDecision{}, fmt.Errorf("%w: unknown key %q", model.ErrInvalidUsage, key)
	}

	tier, err := s.PlanTier(ctx, accountID)
	if err != nil {
		return model.UsageDecision{}, err
	}

	decision, err := s.repo.CheckAndIncrementUsage(ctx, accountID, key, amount, s.limitFor(tier, key), model.ResetMonthly, s.now())
	if err != nil {
		return model.UsageDecision{}, err
	}

	if !decision.Allowed {
		metrics.UsageChecksTotal.WithLabelValues(key, "denied").Inc()
		s.logger.Info("usage quota exceeded",
			zap.Int64("account_id", accountID),
			zap.String("key", key),
			zap.Int64("amount", amount),
			zap.Int64("used", decision.Bucket.Used),
		)
		return decision, model.ErrQuotaExceeded
	}

	metrics.UsageChecksTotal.WithLabelValues(key, "allowed").Inc()
	return decision, nil
}

// ConsumeUsage списывает потребление после проверки свежести биллинга.
// При устаревших сверх жёсткого предела сведениях списание не выполняется.
func (s *Service) ConsumeUsage(ctx context.Context, accountID int64, key string, amount int64) (model.UsageDecision, error) {
	st, err := s.Ensure(ctx, accountID)
	if err != nil && !errors.Is(err, model.ErrBillingProviderUnavailable) {
		return model.UsageDecision{}, err
	}
	if st.Blocking {
		metrics.UsageChecksTotal.WithLabelValues(key, "billing_blocked").Inc()
		return model.UsageDecision{}, fmt.Errorf("%w: %s", model.ErrBillingSyncBlocking, st.ReasonCode)
	}

	return s.CheckAndIncrement(ctx, accountID, key, amount)
}

// Summary возвращает сводку потребления. Только чтение: смена периода применяется к ответу, не к хранилищу.
func (s *Service) Summary(ctx context.Context, accountID int64) (*UsageSummary, error) {
	tier, err := s.PlanTier(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stored, err := s.repo.ListUsageBuckets(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]model.UsageBucket, len(stored))
	for _, b := range stored {
		byKey[b.Key] = b
	}

	now := s.now()
	out := &UsageSummary{PlanTier: tier}

	for _, key := range model.UsageKeys() {
		b, ok := byKey[key]
		if !ok {
			b = model.UsageBucket{AccountID: accountID, Key: key, ResetWindow: model.ResetMonthly}
			b.PeriodStart, b.PeriodEnd = b.ResetWindow.Period(now)
		}
		b.Rollover(now)
		b.ApplyLimit(s.limitFor(tier, key))

		view := UsageView{
			Key:         key,
			Used:        b.Used,
			Limit:       b.Limit,
			Remaining:   b.Remaining(),
			PercentUsed: b.PercentUsed(),
			NearLimit:   b.NearLimit(s.cfg.NearLimitPercent),
			ResetWindow: b.ResetWindow,
		}
		if !b.PeriodStart.IsZero() {
			start, end := b.PeriodStart, b.PeriodEnd
			view.PeriodStart, view.PeriodEnd = &start, &end
		}
		out.Buckets = append(out.Buckets, view)
	}

	return out, nil
}
