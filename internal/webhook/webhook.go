// Package webhook проверяет подпись событий Stripe и переводит их в события движка.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// MetadataOrderKey задаёт ключ метаданных, в котором checkout-сессия несёт публичный идентификатор заказа.
const MetadataOrderKey = "order_public_id"

var (
	// ErrNotConfigured возвращается, если секрет подписи не задан.
	ErrNotConfigured = errors.New("webhook secret not configured")
	// ErrInvalidSignature возвращается, если подпись события не сходится.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Kind определяет вариант события движка.
type Kind string

const (
	KindPaymentConfirmed    Kind = "payment_confirmed"
	KindCheckoutAbandoned   Kind = "checkout_abandoned"
	KindPaymentRefunded     Kind = "payment_refunded"
	KindSubscriptionChanged Kind = "subscription_changed"
	KindIgnored             Kind = "ignored"
)

// Payment описывает подтверждённое провайдером движение денег по заказу.
type Payment struct {
	OrderRef    string
	PaymentRef  string
	CheckoutID  string
	AmountCents int64
	Currency    string
	Full        bool
}

// Event описывает проверенное событие провайдера. Создаётся только Verifier или ManualConfirmation.
type Event struct {
	ID           string
	Type         string
	Kind         Kind
	CreatedAt    time.Time
	OrderRef     string
	Payment      *Payment
	Subscription *model.ProviderSubscription

	verified bool
}

// Provider возвращает источник события: stripe или manual.
func (e Event) Provider() string {
	if strings.HasPrefix(e.ID, "manual:") {
		return "manual"
	}
	return "stripe"
}

// Verified сообщает, что источник события подтверждён.
func (e Event) Verified() bool {
	return e.verified
}

// ManualConfirmation строит событие оплаты для ручного подтверждения в среде разработки.
func ManualConfirmation(orderRef string, amountCents int64, currency string, at time.Time) Event {
	return Event{
		ID:        "manual:" + orderRef,
		Type:      "manual.order_confirmed",
		Kind:      KindPaymentConfirmed,
		CreatedAt: at,
		OrderRef:  orderRef,
		Payment: &Payment{
			OrderRef:    orderRef,
			AmountCents: amountCents,
			Currency:    currency,
			Full:        true,
		},
		verified: true,
	}
}

// Verifier проверяет подпись Stripe-Signature.
type Verifier struct {
	secret string
}

// NewVerifier создаёт проверяющего с секретом конечной точки.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret)}
}

// Parse проверяет подпись и разбирает событие.
func (v *Verifier) Parse(payload []byte, sigHeader string) (Event, error) {
	if v == nil || v.secret == "" {
		return Event{}, ErrNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev, err := decode(&raw)
	if err != nil {
		return Event{}, err
	}
	ev.verified = true
	return ev, nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     string            `json:"payment_intent"`
	Metadata          map[string]string `json:"metadata"`
}

func (s checkoutSession) orderRef() string {
	if ref := strings.TrimSpace(s.Metadata[MetadataOrderKey]); ref != "" {
		return ref
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

type charge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

type subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

func decode(raw *stripelib.Event) (Event, error) {
	ev := Event{
		ID:        raw.ID,
		Type:      string(raw.Type),
		Kind:      KindIgnored,
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s checkoutSession
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode checkout.session: %w", err)
		}
		if s.PaymentStatus != "paid" && s.PaymentStatus != "no_payment_required" {
			return ev, nil
		}
		ev.Kind = KindPaymentConfirmed
		ev.OrderRef = s.orderRef()
		ev.Payment = &Payment{
			OrderRef:    ev.OrderRef,
			PaymentRef:  s.PaymentIntent,
			CheckoutID:  s.ID,
			AmountCents: s.AmountTotal,
			Currency:    s.Currency,
			Full:        true,
		}

	case "checkout.session.expired":
		var s checkoutSession
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode checkout.session: %w", err)
		}
		ev.Kind = KindCheckoutAbandoned
		ev.OrderRef = s.orderRef()

	case "charge.refunded":
		var c charge
		if err := json.Unmarshal(raw.Data.Raw, &c); err != nil {
			return ev, fmt.Errorf("decode charge: %w", err)
		}
		ev.Kind = KindPaymentRefunded
		ev.OrderRef = strings.TrimSpace(c.Metadata[MetadataOrderKey])
		ev.Payment = &Payment{
			OrderRef:    ev.OrderRef,
			PaymentRef:  c.PaymentIntent,
			AmountCents: c.AmountRefunded,
			Currency:    c.Currency,
			Full:        c.Refunded || c.AmountRefunded >= c.Amount,
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s subscription
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Kind = KindSubscriptionChanged
		ev.Subscription = s.toModel()
		if ev.Type == "customer.subscription.deleted" {
			ev.Subscription.Status = "canceled"
		}
	}

	return ev, nil
}

func (s subscription) toModel() *model.ProviderSubscription {
	out := &model.ProviderSubscription{
		ID:                s.ID,
		CustomerID:        s.Customer,
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.PriceID = item.Price.ID
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	out.CurrentPeriodStart = unixPtr(start)
	out.CurrentPeriodEnd = unixPtr(end)
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
