// Package model содержит доменные сущности движка оплаты и выдачи доступа.
package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Account представляет учётную запись покупателя. Аутентификацией владеет внешний провайдер.
type Account struct {
	ID                 int64
	ProviderCustomerID string
	CreatedAt          time.Time
}

// ProductType описывает способ исполнения продукта после оплаты.
type ProductType string

const (
	ProductTypeDigital ProductType = "digital"
	ProductTypeService ProductType = "service"
	ProductTypePlan    ProductType = "plan"
)

// BillingPeriod описывает периодичность списаний по цене.
type BillingPeriod string

const (
	BillingPeriodOneTime BillingPeriod = "one_time"
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
)

// Recurring сообщает, создаёт ли покупка по этой цене подписку.
func (p BillingPeriod) Recurring() bool {
	return p == BillingPeriodMonthly || p == BillingPeriodYearly
}

// Next возвращает конец периода, начинающегося в from.
func (p BillingPeriod) Next(from time.Time) time.Time {
	if p == BillingPeriodYearly {
		return from.Add(365 * 24 * time.Hour)
	}
	return from.Add(30 * 24 * time.Hour)
}

// Product описывает позицию каталога и набор открываемых ею возможностей.
type Product struct {
	ID          int64
	Slug        string
	Name        string
	Type        ProductType
	FeatureKeys []string
}

// Asset описывает файл, выдаваемый по цифровому продукту.
type Asset struct {
	ID         int64
	ProductID  int64
	StorageKey string
	Title      string
	Active     bool
}

// Price описывает цену продукта.
type Price struct {
	ID              int64
	ProductID       int64
	AmountCents     int64
	Currency        string
	BillingPeriod   BillingPeriod
	Active          bool
	ProviderPriceID string
	CheckoutURL     string
}

// PricedProduct объединяет цену и продукт, к которому она относится.
type PricedProduct struct {
	Price   Price
	Product Product
}

// OrderItem описывает строку заказа с зафиксированной на момент покупки ценой.
type OrderItem struct {
	ID              int64
	ProductID       int64
	PriceID         int64
	Quantity        int64
	UnitAmountCents int64
	ProductType     ProductType
	BillingPeriod   BillingPeriod
	FeatureKeys     []string
}

// Order описывает покупку аккаунта.
type Order struct {
	ID          int64
	PublicID    uuid.UUID
	AccountID   int64
	Status      OrderStatus
	TotalCents  int64
	Currency    string
	Items       []OrderItem
	CheckoutID  string
	PaidAt      *time.Time
	FulfilledAt *time.Time
	CanceledAt  *time.Time
	RefundedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RequiresOperator сообщает, нужна ли ручная отметка об исполнении заказа.
func (o *Order) RequiresOperator() bool {
	for _, it := range o.Items {
		if it.ProductType == ProductTypeService {
			return true
		}
	}
	return false
}

// SumItems пересчитывает итог заказа по строкам.
func SumItems(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.UnitAmountCents * it.Quantity
	}
	return total
}

// SubscriptionStatus описывает состояние подписки.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// Entitling сообщает, открывает ли подписка в этом статусе доступ к возможностям.
func (s SubscriptionStatus) Entitling() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// ParseSubscriptionStatus приводит статус провайдера к одному из известных значений.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch SubscriptionStatus(raw) {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled:
		return SubscriptionStatus(raw)
	case "unpaid":
		return SubscriptionPastDue
	case "incomplete_expired":
		return SubscriptionCanceled
	default:
		return SubscriptionIncomplete
	}
}

// Subscription описывает подписку аккаунта на тарифный план.
type Subscription struct {
	ID                     int64
	AccountID              int64
	ProductID              int64
	PriceID                int64
	ProviderSubscriptionID string
	SourceOrderID          *int64
	Status                 SubscriptionStatus
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	UpdatedAt              time.Time
}

// ProviderSubscription описывает подписку в том виде, в каком её сообщает провайдер.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

// EntitlementSourceType описывает путь, по которому аккаунт получил возможность.
type EntitlementSourceType string

const (
	EntitlementSourcePurchase EntitlementSourceType = "purchase"
	EntitlementSourcePlan     EntitlementSourceType = "plan"
)

// EntitlementSource содержит сырую строку проекции: ключ возможности и его источник.
type EntitlementSource struct {
	FeatureKey string
	Type       EntitlementSourceType
	Reference  string
}

// Entitlement описывает вычисляемую возможность аккаунта. Не хранится.
type Entitlement struct {
	FeatureKey string
	IsCurrent  bool
	Sources    []EntitlementSource
}

// DownloadGrant описывает право на скачивание файла из оплаченного заказа.
type DownloadGrant struct {
	ID               int64
	Token            uuid.UUID
	AccountID        int64
	OrderID          int64
	OrderItemID      int64
	AssetID          int64
	AssetTitle       string
	StorageKey       string
	DownloadCount    int64
	MaxDownloads     int64
	RevokedAt        *time.Time
	LastDownloadedAt *time.Time
	ExpiresAt        *time.Time
	OrderStatus      OrderStatus
	CreatedAt        time.Time
}

// Expired сообщает, истёк ли срок права к моменту now. Право без ExpiresAt бессрочно.
func (g *DownloadGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// CanDownload вычисляется при каждом обращении и не хранится.
func (g *DownloadGrant) CanDownload(now time.Time) bool {
	return g.RevokedAt == nil &&
		g.OrderStatus == OrderStatusFulfilled &&
		g.DownloadCount < g.MaxDownloads &&
		!g.Expired(now)
}

// SignedURL содержит ссылку на скачивание с ограниченным сроком действия.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// WebhookEvent представляет запись журнала обработанных событий провайдера.
type WebhookEvent struct {
	ProviderEventID string
	EventType       string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	OrderEffect     *string
}

// OrderIncident представляет запись о расхождении, требующем внимания оператора.
type OrderIncident struct {
	OrderID   int64
	Kind      string
	Detail    string
	CreatedAt time.Time
}

const (
	IncidentAmountMismatch    = "amount_mismatch"
	IncidentInvalidTransition = "invalid_transition"
	IncidentPartialRefund     = "partial_refund"
)

// EscalatingIncidentKinds перечисляет виды расхождений, повтор которых уходит на ручной разбор.
// Частичный возврат сюда не входит.
var EscalatingIncidentKinds = []string{IncidentAmountMismatch, IncidentInvalidTransition}

// IncidentEscalates сообщает, учитывается ли расхождение при эскалации.
func IncidentEscalates(kind string) bool {
	return slices.Contains(EscalatingIncidentKinds, kind)
}

// PaymentStatus описывает состояние движения денег у провайдера.
type PaymentStatus string

const (
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentMismatched        PaymentStatus = "mismatched"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentTransaction хранит след платежа провайдера по заказу. Ключ уникальности: Provider и ExternalID.
type PaymentTransaction struct {
	ID            int64
	OrderID       int64
	Provider      string
	ExternalID    string
	Status        PaymentStatus
	AmountCents   int64
	RefundedCents int64
	Currency      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
