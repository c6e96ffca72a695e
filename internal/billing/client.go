// Package billing предоставляет клиент внешнего биллинг-провайдера (Stripe).
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

var (
	// ErrNotConfigured возвращается, если ключ API провайдера не задан.
	ErrNotConfigured = errors.New("billing client not configured")
	// ErrUnavailable помечает временные отказы провайдера, которые стоит повторить.
	ErrUnavailable = errors.New("billing provider temporarily unavailable")
)

// Client инкапсулирует обращения к API провайдера.
type Client struct {
	subscriptions *subscription.Client
	sessions      *session.Client
	successURL    string
	cancelURL     string
}

// Options задаёт необязательные параметры клиента.
type Options struct {
	// APIURL переопределяет адрес API, например для локального имитатора.
	APIURL     string
	SuccessURL string
	CancelURL  string
}

// NewClient создаёт клиента с указанным секретным ключом.
func NewClient(apiKey string, opts Options) *Client {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 5 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if opts.APIURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(opts.APIURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	return &Client{
		subscriptions: &subscription.Client{B: backend, Key: key},
		sessions:      &session.Client{B: backend, Key: key},
		successURL:    opts.SuccessURL,
		cancelURL:     opts.CancelURL,
	}
}

// ListSubscriptions возвращает все подписки клиента провайдера, включая отменённые.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]model.ProviderSubscription, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var res []model.ProviderSubscription
	it := c.subscriptions.List(params)
	for it.Next() {
		s := it.Subscription()
		if s == nil {
			continue
		}
		res = append(res, fromStripe(s))
	}
	if err := it.Err(); err != nil {
		return nil, classify("list subscriptions", err)
	}

	return res, nil
}

// CheckoutLine описывает строку checkout-сессии.
type CheckoutLine struct {
	Name        string
	AmountCents int64
	Quantity    int64
}

// Checkout описывает созданную у провайдера сессию оплаты.
type Checkout struct {
	ID  string
	URL string
}

// CreateCheckout создаёт сессию оплаты, в метаданных которой хранится публичный идентификатор заказа.
func (c *Client) CreateCheckout(ctx context.Context, order *model.Order, customerID string, lines []CheckoutLine) (*Checkout, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}

	ref := order.PublicID.String()
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(ref),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{webhook.MetadataOrderKey: ref},
		},
	}
	params.Context = ctx
	params.AddMetadata(webhook.MetadataOrderKey, ref)
	if c.successURL != "" {
		params.SuccessURL = stripe.String(c.successURL)
	}
	if c.cancelURL != "" {
		params.CancelURL = stripe.String(c.cancelURL)
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}

	currency := strings.ToLower(order.Currency)
	for _, l := range lines {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(l.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(l.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(l.Name),
				},
			},
		})
	}

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}

	return &Checkout{ID: s.ID, URL: s.URL}, nil
}

func fromStripe(s *stripe.Subscription) model.ProviderSubscription {
	out := model.ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CanceledAt > 0 {
		t := time.Unix(s.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			t := time.Unix(item.CurrentPeriodStart, 0).UTC()
			out.CurrentPeriodStart = &t
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &t
		}
	}
	return out
}

// classify помечает ошибку как временную для 429, 5xx и сетевых сбоев.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		code := se.HTTPStatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %w: status %s", op, ErrUnavailable, strconv.Itoa(code))
		}
		return fmt.Errorf("%s: status %d: %s", op, code, se.Msg)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
