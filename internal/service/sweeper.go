package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

const sweepBatchSize = 100

// StartAbandonedCheckoutSweeper запускает фоновую отмену неоплаченных заказов старше PendingOrderTTL.
func (s *Service) StartAbandonedCheckoutSweeper(ctx context.Context) {
	if s.cfg.PendingOrderTTL <= 0 {
		return
	}
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepAbandonedCheckouts(ctx)
			}
		}
	}()
}

// sweepAbandonedCheckouts отменяет одну пачку просроченных заказов и возвращает число отменённых.
func (s *Service) sweepAbandonedCheckouts(ctx context.Context) int {
	ids, err := s.repo.ListStalePendingOrders(ctx, s.now().Add(-s.cfg.PendingOrderTTL), sweepBatchSize)
	if err != nil {
		s.logger.Error("list stale pending orders error", zap.Error(err))
		return 0
	}

	canceled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return canceled
		}

		o, err := s.CancelOrder(ctx, id)
		if err != nil {
			// Заказ мог быть оплачен между выборкой и блокировкой.
			if !errors.Is(err, model.ErrInvalidTransition) {
				s.logger.Warn("cancel abandoned order error", zap.String("order", id.String()), zap.Error(err))
			}
			continue
		}
		if o.Status == model.OrderStatusCanceled {
			canceled++
		}
	}

	if canceled > 0 {
		s.logger.Info("abandoned checkouts canceled", zap.Int("count", canceled))
	}
	return canceled
}
