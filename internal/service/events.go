package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/metrics"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/validation"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

// Статусы обработки события.
const (
	EventProcessed = "processed"
	EventDuplicate = "duplicate"
	EventRejected  = "rejected"
)

// EventOutcome описывает итог обработки события провайдера.
type EventOutcome struct {
	Status string
	Effect string
	Order  *model.Order
}

// incidentRecord хранит записанное расхождение и число расхождений по заказу с учётом нового.
type incidentRecord struct {
	incident model.OrderIncident
	orderRef string
	count    int
}

// eventRun собирает побочные результаты одной транзакции обработки события.
type eventRun struct {
	eventID   string
	provider  string
	order     *model.Order
	changes   []statusChange
	incidents []incidentRecord
}

func (r *eventRun) reset(ev webhook.Event) {
	*r = eventRun{eventID: ev.ID, provider: ev.Provider()}
}

// rejection означает детерминированный отказ. Фиксируется в журнале вместе с расхождением.
type rejection struct {
	effect string
	err    error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

// HandleEvent обрабатывает проверенное событие провайдера ровно один раз.
// Запись в журнал событий идёт первым шагом транзакции, эффект выполняется в ней же.
func (s *Service) HandleEvent(ctx context.Context, ev webhook.Event) (EventOutcome, error) {
	if !ev.Verified() {
		return EventOutcome{Status: EventRejected}, model.ErrUnverifiedEvent
	}

	start := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	}()

	var (
		run       eventRun
		duplicate bool
		effect    string
		rejected  *rejection
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		run.reset(ev)
		duplicate, effect, rejected = false, "", nil

		isNew, err := tx.RecordEventIfNew(ctx, model.WebhookEvent{
			ProviderEventID: ev.ID,
			EventType:       ev.Type,
			ReceivedAt:      s.now(),
		})
		if err != nil {
			return err
		}
		if !isNew {
			duplicate = true
			return nil
		}

		effect, err = s.applyEvent(ctx, tx, ev, &run)
		if err != nil {
			var rej *rejection
			if !errors.As(err, &rej) {
				return err
			}
			rejected = rej
			effect = rej.effect
		}

		return tx.MarkEventProcessed(ctx, ev.ID, effect, s.now())
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		s.logger.Error("handle provider event error",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err),
		)
		return EventOutcome{}, err
	}

	if duplicate {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, EventDuplicate).Inc()
		s.logger.Info("duplicate provider event", zap.String("event_id", ev.ID))
		return EventOutcome{Status: EventDuplicate}, model.ErrDuplicateEvent
	}

	reportTransitions(run.changes)
	s.reportIncidents(run.incidents)

	if rejected != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, EventRejected).Inc()
		return EventOutcome{Status: EventRejected, Effect: effect, Order: run.order}, rejected.err
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, EventProcessed).Inc()
	s.logger.Info("provider event processed",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("effect", effect),
	)

	return EventOutcome{Status: EventProcessed, Effect: effect, Order: run.order}, nil
}

func (s *Service) applyEvent(ctx context.Context, tx Tx, ev webhook.Event, run *eventRun) (string, error) {
	switch ev.Kind {
	case webhook.KindPaymentConfirmed:
		if ev.Payment == nil {
			return "ignored:no_payment", nil
		}
		return s.applyPayment(ctx, tx, ev.Payment, run)
	case webhook.KindCheckoutAbandoned:
		return s.applyAbandon(ctx, tx, ev.OrderRef, run)
	case webhook.KindPaymentRefunded:
		if ev.Payment == nil {
			return "ignored:no_payment", nil
		}
		return s.applyRefund(ctx, tx, ev.Payment, run)
	case webhook.KindSubscriptionChanged:
		if ev.Subscription == nil {
			return "ignored:no_subscription", nil
		}
		return s.applySubscription(ctx, tx, *ev.Subscription)
	default:
		return "ignored:" + ev.Type, nil
	}
}

// lockOrderRef блокирует заказ по публичному идентификатору из события.
func lockOrderRef(ctx context.Context, tx Tx, ref string) (*model.Order, error) {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: bad reference %q", model.ErrOrderNotFound, ref)
	}
	return tx.LockOrder(ctx, id)
}

func (s *Service) applyPayment(ctx context.Context, tx Tx, p *webhook.Payment, run *eventRun) (string, error) {
	o, err := lockOrderRef(ctx, tx, p.OrderRef)
	if errors.Is(err, model.ErrOrderNotFound) {
		s.logger.Warn("payment for unknown order skipped", zap.String("order_ref", p.OrderRef))
		return "ignored:order_not_found", nil
	}
	if err != nil {
		return "", err
	}
	run.order = o

	if _, err := model.NextStatus(o.Status, model.OrderEventPaymentConfirmed); err != nil {
		return "", s.reject(ctx, tx, o, run, model.IncidentInvalidTransition, err)
	}

	if p.AmountCents != o.TotalCents || !validation.SameCurrency(p.Currency, o.Currency) {
		if err := s.recordTransaction(ctx, tx, o, p, run, model.PaymentMismatched); err != nil {
			return "", err
		}
		err := fmt.Errorf("%w: paid %d %s, order total %d %s",
			model.ErrAmountMismatch, p.AmountCents, strings.ToUpper(p.Currency), o.TotalCents, o.Currency)
		return "", s.reject(ctx, tx, o, run, model.IncidentAmountMismatch, err)
	}

	c, err := s.transition(ctx, tx, o, model.OrderEventPaymentConfirmed)
	if err != nil {
		return "", err
	}
	run.changes = append(run.changes, c)

	if p.PaymentRef != "" || p.CheckoutID != "" {
		if err := tx.SetOrderPayment(ctx, o.ID, p.PaymentRef, p.CheckoutID); err != nil {
			return "", err
		}
		if p.CheckoutID != "" {
			o.CheckoutID = p.CheckoutID
		}
	}
	if err := s.recordTransaction(ctx, tx, o, p, run, model.PaymentSucceeded); err != nil {
		return "", err
	}

	if o.RequiresOperator() {
		return "paid", nil
	}

	c, err = s.fulfill(ctx, tx, o)
	if err != nil {
		return "", err
	}
	run.changes = append(run.changes, c)

	return "paid,fulfilled", nil
}

func (s *Service) applyAbandon(ctx context.Context, tx Tx, ref string, run *eventRun) (string, error) {
	o, err := lockOrderRef(ctx, tx, ref)
	if errors.Is(err, model.ErrOrderNotFound) {
		return "ignored:order_not_found", nil
	}
	if err != nil {
		return "", err
	}
	run.order = o

	if o.Status == model.OrderStatusCanceled {
		return "noop:already_canceled", nil
	}

	c, err := s.transition(ctx, tx, o, model.OrderEventCancel)
	if errors.Is(err, model.ErrInvalidTransition) {
		return "", s.reject(ctx, tx, o, run, model.IncidentInvalidTransition, err)
	}
	if err != nil {
		return "", err
	}
	run.changes = append(run.changes, c)

	return "canceled", nil
}

func (s *Service) applyRefund(ctx context.Context, tx Tx, p *webhook.Payment, run *eventRun) (string, error) {
	var (
		o   *model.Order
		err error
	)
	if p.OrderRef != "" {
		o, err = lockOrderRef(ctx, tx, p.OrderRef)
	} else if p.PaymentRef != "" {
		o, err = tx.LockOrderByPaymentRef(ctx, p.PaymentRef)
	} else {
		err = model.ErrOrderNotFound
	}
	if errors.Is(err, model.ErrOrderNotFound) {
		s.logger.Warn("refund for unknown order skipped",
			zap.String("order_ref", p.OrderRef),
			zap.String("payment_ref", p.PaymentRef),
		)
		return "ignored:order_not_found", nil
	}
	if err != nil {
		return "", err
	}
	run.order = o

	if !p.Full {
		if err := s.recordTransaction(ctx, tx, o, p, run, model.PaymentPartiallyRefunded); err != nil {
			return "", err
		}
		detail := "refunded " + strconv.FormatInt(p.AmountCents, 10) + " of " + strconv.FormatInt(o.TotalCents, 10)
		if err := s.addIncident(ctx, tx, o, run, model.IncidentPartialRefund, detail); err != nil {
			return "", err
		}
		return "incident:" + model.IncidentPartialRefund, nil
	}

	c, err := s.refund(ctx, tx, o)
	if errors.Is(err, model.ErrInvalidTransition) {
		return "", s.reject(ctx, tx, o, run, model.IncidentInvalidTransition, err)
	}
	if err != nil {
		return "", err
	}
	run.changes = append(run.changes, c)

	if err := s.recordTransaction(ctx, tx, o, p, run, model.PaymentRefunded); err != nil {
		return "", err
	}

	return "refunded", nil
}

// recordTransaction пишет след платежа в той же транзакции, что и переход заказа.
func (s *Service) recordTransaction(ctx context.Context, tx Tx, o *model.Order, p *webhook.Payment, run *eventRun, status model.PaymentStatus) error {
	pt := model.PaymentTransaction{
		OrderID:    o.ID,
		Provider:   run.provider,
		ExternalID: cmp.Or(p.PaymentRef, p.CheckoutID, o.CheckoutID, run.eventID),
		Status:     status,
		Currency:   cmp.Or(strings.ToUpper(p.Currency), o.Currency),
		UpdatedAt:  s.now(),
	}
	switch status {
	case model.PaymentRefunded, model.PaymentPartiallyRefunded:
		pt.AmountCents = o.TotalCents
		pt.RefundedCents = p.AmountCents
		if status == model.PaymentRefunded && pt.RefundedCents == 0 {
			pt.RefundedCents = o.TotalCents
		}
	default:
		pt.AmountCents = p.AmountCents
	}
	return tx.UpsertPaymentTransaction(ctx, pt)
}

// applySubscription переносит состояние подписки провайдера в локальное зеркало.
func (s *Service) applySubscription(ctx context.Context, tx Tx, ps model.ProviderSubscription) (string, error) {
	account, err := tx.GetAccountByCustomerID(ctx, ps.CustomerID)
	if errors.Is(err, model.ErrAccountNotFound) {
		return "ignored:unknown_customer", nil
	}
	if err != nil {
		return "", err
	}

	price, err := tx.GetPriceByProviderID(ctx, ps.PriceID)
	if errors.Is(err, model.ErrPriceNotFound) {
		return "ignored:unknown_price", nil
	}
	if err != nil {
		return "", err
	}

	sub := mirrorSubscription(account.ID, price, ps, s.now())
	if err := tx.UpsertProviderSubscription(ctx, sub); err != nil {
		return "", err
	}

	return "subscription:" + string(sub.Status), nil
}

func mirrorSubscription(accountID int64, price *model.Price, ps model.ProviderSubscription, now time.Time) model.Subscription {
	return model.Subscription{
		AccountID:              accountID,
		ProductID:              price.ProductID,
		PriceID:                price.ID,
		ProviderSubscriptionID: ps.ID,
		Status:                 model.ParseSubscriptionStatus(ps.Status),
		CurrentPeriodStart:     ps.CurrentPeriodStart,
		CurrentPeriodEnd:       ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ps.CancelAtPeriodEnd,
		CanceledAt:             ps.CanceledAt,
		UpdatedAt:              now,
	}
}

// reject записывает расхождение и возвращает отказ, который фиксируется вместе с событием.
func (s *Service) reject(ctx context.Context, tx Tx, o *model.Order, run *eventRun, kind string, cause error) error {
	if err := s.addIncident(ctx, tx, o, run, kind, cause.Error()); err != nil {
		return err
	}
	return &rejection{effect: "rejected:" + kind, err: cause}
}

func (s *Service) addIncident(ctx context.Context, tx Tx, o *model.Order, run *eventRun, kind, detail string) error {
	inc := model.OrderIncident{
		OrderID:   o.ID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	count, err := tx.AddIncident(ctx, inc)
	if err != nil {
		return err
	}
	run.incidents = append(run.incidents, incidentRecord{
		incident: inc,
		orderRef: o.PublicID.String(),
		count:    count,
	})
	return nil
}

// reportIncidents выводит расхождения после фиксации транзакции. Повторные расхождения
// из EscalatingIncidentKinds эскалируются.
func (s *Service) reportIncidents(incidents []incidentRecord) {
	for _, r := range incidents {
		escalated := model.IncidentEscalates(r.incident.Kind) && r.count >= 2
		metrics.OrderIncidentsTotal.WithLabelValues(r.incident.Kind, strconv.FormatBool(escalated)).Inc()

		fields := []zap.Field{
			zap.String("order", r.orderRef),
			zap.String("kind", r.incident.Kind),
			zap.String("detail", r.incident.Detail),
			zap.Int("incidents", r.count),
		}
		if escalated {
			s.logger.Error("repeated order incident, manual review required", fields...)
			continue
		}
		s.logger.Warn("order incident recorded", fields...)
	}
}
