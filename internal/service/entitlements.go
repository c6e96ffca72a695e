package service

import (
	"context"
	"sort"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/validation"
)

// Resolve вычисляет возможности аккаунта из исполненных заказов и действующих подписок.
// Ничего не сохраняет и не кэширует.
func (s *Service) Resolve(ctx context.Context, accountID int64) ([]model.Entitlement, error) {
	sources, err := s.repo.ListEntitlementSources(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return mergeEntitlements(sources), nil
}

func mergeEntitlements(sources []model.EntitlementSource) []model.Entitlement {
	byKey := make(map[string]*model.Entitlement)
	seen := make(map[model.EntitlementSource]struct{})

	for _, src := range sources {
		key := validation.NormalizeFeatureKey(src.FeatureKey)
		if key == "" {
			continue
		}
		src.FeatureKey = key
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}

		e, ok := byKey[key]
		if !ok {
			e = &model.Entitlement{FeatureKey: key, IsCurrent: true}
			byKey[key] = e
		}
		e.Sources = append(e.Sources, src)
	}

	out := make([]model.Entitlement, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })

	return out
}

// PlanTier возвращает тариф аккаунта по его возможностям.
func (s *Service) PlanTier(ctx context.Context, accountID int64) (model.PlanTier, error) {
	ents, err := s.Resolve(ctx, accountID)
	if err != nil {
		return model.PlanFree, err
	}
	return model.PlanTierFor(ents), nil
}

// ListSubscriptions возвращает подписки аккаунта.
func (s *Service) ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	return s.repo.ListSubscriptions(ctx, accountID)
}
