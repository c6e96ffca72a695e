package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/metrics"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/validation"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

// OrderLine описывает строку запроса на создание заказа.
type OrderLine struct {
	PriceID  int64
	Quantity int64
}

// CreatedOrder содержит созданный заказ и, если есть, ссылку на оплату у провайдера.
type CreatedOrder struct {
	Order       *model.Order
	CheckoutURL string
}

type statusChange struct {
	from, to model.OrderStatus
}

func reportTransitions(changes []statusChange) {
	for _, c := range changes {
		metrics.OrderTransitionsTotal.WithLabelValues(string(c.from), string(c.to)).Inc()
	}
}

// CreateOrder фиксирует цены позиций и создаёт заказ в статусе pending_payment.
func (s *Service) CreateOrder(ctx context.Context, accountID int64, lines []OrderLine) (*CreatedOrder, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no items", model.ErrInvalidOrder)
	}

	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidOrder)
		}
		ids = append(ids, l.PriceID)
	}

	account, err := s.repo.EnsureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	priced, err := s.repo.GetPricedProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		PublicID:  uuid.New(),
		AccountID: accountID,
		Status:    model.OrderStatusPendingPayment,
	}
	checkoutLines := make([]billing.CheckoutLine, 0, len(lines))

	for _, l := range lines {
		pp, ok := priced[l.PriceID]
		if !ok || !pp.Price.Active {
			return nil, fmt.Errorf("%w: price %d", model.ErrPriceNotFound, l.PriceID)
		}
		if !validation.IsValidCurrency(pp.Price.Currency) {
			return nil, fmt.Errorf("%w: bad currency %q", model.ErrInvalidOrder, pp.Price.Currency)
		}
		if order.Currency == "" {
			order.Currency = strings.ToUpper(pp.Price.Currency)
		} else if !validation.SameCurrency(order.Currency, pp.Price.Currency) {
			return nil, fmt.Errorf("%w: mixed currencies", model.ErrInvalidOrder)
		}

		order.Items = append(order.Items, model.OrderItem{
			ProductID:       pp.Product.ID,
			PriceID:         pp.Price.ID,
			Quantity:        l.Quantity,
			UnitAmountCents: pp.Price.AmountCents,
			ProductType:     pp.Product.Type,
			BillingPeriod:   pp.Price.BillingPeriod,
			FeatureKeys:     validation.NormalizeFeatureKeys(pp.Product.FeatureKeys),
		})
		checkoutLines = append(checkoutLines, billing.CheckoutLine{
			Name:        pp.Product.Name,
			AmountCents: pp.Price.AmountCents,
			Quantity:    l.Quantity,
		})
	}
	order.TotalCents = model.SumItems(order.Items)

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	res := &CreatedOrder{Order: order}

	if s.checkout != nil {
		co, err := s.checkout.CreateCheckout(ctx, order, account.ProviderCustomerID, checkoutLines)
		if err != nil {
			s.logger.Warn("create checkout session error", zap.Error(err), zap.String("order", order.PublicID.String()))
			return res, nil
		}
		if err := s.repo.SetOrderCheckout(ctx, order.ID, co.ID); err != nil {
			return nil, err
		}
		order.CheckoutID = co.ID
		res.CheckoutURL = co.URL
		return res, nil
	}

	if len(lines) == 1 {
		res.CheckoutURL = priced[lines[0].PriceID].Price.CheckoutURL
	}

	return res, nil
}

// GetOrder возвращает заказ аккаунта по публичному идентификатору.
func (s *Service) GetOrder(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrder(ctx, accountID, publicID)
}

// ListOrders возвращает заказы аккаунта, новые первыми.
func (s *Service) ListOrders(ctx context.Context, accountID int64) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, accountID)
}

// ConfirmOrderManually подтверждает оплату без провайдера. Доступно только в среде разработки.
func (s *Service) ConfirmOrderManually(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error) {
	if !s.cfg.AllowManualConfirm {
		return nil, model.ErrManualConfirmDisabled
	}

	order, err := s.repo.GetOrder(ctx, accountID, publicID)
	if err != nil {
		return nil, err
	}

	ev := webhook.ManualConfirmation(order.PublicID.String(), order.TotalCents, order.Currency, s.now())
	out, err := s.HandleEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateEvent) {
			current, getErr := s.repo.GetOrder(ctx, accountID, publicID)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, err
	}

	return out.Order, nil
}

// FulfillOrder отмечает исполнение оплаченного заказа оператором.
func (s *Service) FulfillOrder(ctx context.Context, publicID uuid.UUID) (*model.Order, error) {
	var (
		order   *model.Order
		changes []statusChange
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		changes = nil
		o, err := tx.LockOrder(ctx, publicID)
		if err != nil {
			return err
		}
		c, err := s.fulfill(ctx, tx, o)
		if err != nil {
			return err
		}
		changes = append(changes, c)
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	reportTransitions(changes)
	s.logger.Info("order fulfilled by operator", zap.String("order", publicID.String()))
	return order, nil
}

// CancelOrder отменяет неоплаченный заказ. Уже отменённый заказ не меняется.
func (s *Service) CancelOrder(ctx context.Context, publicID uuid.UUID) (*model.Order, error) {
	var (
		order   *model.Order
		changes []statusChange
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		changes = nil
		o, err := tx.LockOrder(ctx, publicID)
		if err != nil {
			return err
		}
		order = o
		if o.Status == model.OrderStatusCanceled {
			return nil
		}
		c, err := s.transition(ctx, tx, o, model.OrderEventCancel)
		if err != nil {
			return err
		}
		changes = append(changes, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	reportTransitions(changes)
	return order, nil
}

// transition применяет событие к заблокированному заказу.
func (s *Service) transition(ctx context.Context, tx Tx, o *model.Order, ev model.OrderEvent) (statusChange, error) {
	next, err := model.NextStatus(o.Status, ev)
	if err != nil {
		return statusChange{}, err
	}

	at := s.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, o.Status, next, at); err != nil {
		return statusChange{}, err
	}

	change := statusChange{from: o.Status, to: next}
	o.Status = next
	o.UpdatedAt = at
	switch next {
	case model.OrderStatusPaid:
		o.PaidAt = &at
	case model.OrderStatusFulfilled:
		o.FulfilledAt = &at
	case model.OrderStatusCanceled:
		o.CanceledAt = &at
	case model.OrderStatusRefunded:
		o.RefundedAt = &at
	}

	return change, nil
}

// fulfill переводит заказ в fulfilled и в той же транзакции выдаёт права на файлы и подписки.
func (s *Service) fulfill(ctx context.Context, tx Tx, o *model.Order) (statusChange, error) {
	change, err := s.transition(ctx, tx, o, model.OrderEventFulfill)
	if err != nil {
		return statusChange{}, err
	}

	var digital []int64
	for _, it := range o.Items {
		if it.ProductType == model.ProductTypeDigital {
			digital = append(digital, it.ProductID)
		}
	}

	if len(digital) > 0 {
		assets, err := tx.ListActiveAssets(ctx, digital)
		if err != nil {
			return statusChange{}, err
		}

		var expiresAt *time.Time
		if s.cfg.GrantTTL > 0 {
			at := s.now().Add(s.cfg.GrantTTL)
			expiresAt = &at
		}

		var grants []model.DownloadGrant
		for _, it := range o.Items {
			if it.ProductType != model.ProductTypeDigital {
				continue
			}
			for _, a := range assets {
				if a.ProductID != it.ProductID {
					continue
				}
				grants = append(grants, model.DownloadGrant{
					Token:        uuid.New(),
					AccountID:    o.AccountID,
					OrderID:      o.ID,
					OrderItemID:  it.ID,
					AssetID:      a.ID,
					AssetTitle:   a.Title,
					StorageKey:   a.StorageKey,
					MaxDownloads: s.cfg.MaxDownloads,
					ExpiresAt:    expiresAt,
					OrderStatus:  o.Status,
					CreatedAt:    s.now(),
				})
			}
		}
		if len(grants) > 0 {
			if _, err := tx.CreateGrants(ctx, grants); err != nil {
				return statusChange{}, err
			}
		}
	}

	var subs []model.Subscription
	start := s.now()
	for _, it := range o.Items {
		if !it.BillingPeriod.Recurring() {
			continue
		}
		end := it.BillingPeriod.Next(start)
		orderID := o.ID
		subs = append(subs, model.Subscription{
			AccountID:          o.AccountID,
			ProductID:          it.ProductID,
			PriceID:            it.PriceID,
			SourceOrderID:      &orderID,
			Status:             model.SubscriptionActive,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			UpdatedAt:          start,
		})
	}
	if len(subs) > 0 {
		if err := tx.CreateSubscriptions(ctx, subs); err != nil {
			return statusChange{}, err
		}
	}

	return change, nil
}

// refund переводит заказ в refunded и в той же транзакции отзывает выданный доступ.
func (s *Service) refund(ctx context.Context, tx Tx, o *model.Order) (statusChange, error) {
	change, err := s.transition(ctx, tx, o, model.OrderEventRefund)
	if err != nil {
		return statusChange{}, err
	}

	at := s.now()
	if _, err := tx.RevokeOrderGrants(ctx, o.ID, at); err != nil {
		return statusChange{}, err
	}
	if err := tx.CancelOrderSubscriptions(ctx, o.ID, at); err != nil {
		return statusChange{}, err
	}

	return change, nil
}
