package model

import (
	"math"
	"time"
)

// ResetWindow задаёт период обнуления корзины использования.
type ResetWindow string

const (
	ResetNone    ResetWindow = "none"
	ResetDaily   ResetWindow = "daily"
	ResetMonthly ResetWindow = "monthly"
	ResetYearly  ResetWindow = "yearly"
)

// Period возвращает границы календарного периода (UTC), содержащего t.
// Для ResetNone период не заканчивается: end равен нулевому времени.
func (w ResetWindow) Period(t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch w {
	case ResetDaily:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case ResetYearly:
		start = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	case ResetNone:
		return time.Time{}, time.Time{}
	default:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// Ключи корзин использования.
const (
	UsageTokens = "tokens"
	UsageImages = "images"
	UsageVideos = "videos"
)

// UsageKeys перечисляет учитываемые корзины в порядке вывода.
func UsageKeys() []string {
	return []string{UsageTokens, UsageImages, UsageVideos}
}

// UsageBucket хранит счётчик потребления аккаунта по одному ключу. Limit == nil означает безлимит.
type UsageBucket struct {
	AccountID   int64
	Key         string
	Used        int64
	Limit       *int64
	ResetWindow ResetWindow
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Rollover обнуляет счётчик, если now вышел за границу текущего периода.
func (b *UsageBucket) Rollover(now time.Time) bool {
	if b.ResetWindow == ResetNone || b.PeriodEnd.IsZero() {
		return false
	}
	if now.Before(b.PeriodEnd) {
		return false
	}
	b.PeriodStart, b.PeriodEnd = b.ResetWindow.Period(now)
	b.Used = 0
	return true
}

// MaxUsageAmount ограничивает одно списание.
const MaxUsageAmount int64 = 1_000_000_000

// Fits сообщает, помещается ли amount в лимит. Сравнение не переполняет int64.
func (b *UsageBucket) Fits(amount int64) bool {
	if amount < 1 || amount > MaxUsageAmount {
		return false
	}
	if b.Limit == nil {
		return b.Used <= math.MaxInt64-amount
	}
	return amount <= *b.Limit && amount <= *b.Limit-b.Used
}

// ApplyLimit задаёт лимит текущего тарифа. После понижения тарифа счётчик срезается до нового лимита.
func (b *UsageBucket) ApplyLimit(limit *int64) {
	b.Limit = limit
	if limit != nil && b.Used > *limit {
		b.Used = *limit
	}
}

// Remaining возвращает остаток; nil для безлимитной корзины.
func (b *UsageBucket) Remaining() *int64 {
	if b.Limit == nil {
		return nil
	}
	left := *b.Limit - b.Used
	if left < 0 {
		left = 0
	}
	return &left
}

// PercentUsed возвращает долю израсходованного лимита в процентах.
func (b *UsageBucket) PercentUsed() float64 {
	if b.Limit == nil || *b.Limit <= 0 {
		return 0
	}
	return float64(b.Used) * 100 / float64(*b.Limit)
}

// NearLimit сообщает, что израсходовано не меньше threshold процентов.
func (b *UsageBucket) NearLimit(threshold float64) bool {
	return b.Limit != nil && b.PercentUsed() >= threshold
}

// UsageDecision содержит результат проверки и списания.
type UsageDecision struct {
	Allowed   bool
	Remaining *int64
	Bucket    UsageBucket
}

// PlanTier определяет тариф, от которого зависят лимиты корзин.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// PlanTierFor выводит тариф из набора возможностей аккаунта.
func PlanTierFor(ents []Entitlement) PlanTier {
	tier := PlanFree
	for _, e := range ents {
		switch e.FeatureKey {
		case "enterprise":
			return PlanEnterprise
		case "pro", "premium", "growth":
			tier = PlanPro
		}
	}
	return tier
}
