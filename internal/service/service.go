// Package service реализует движок: журнал событий, жизненный цикл заказов,
// права доступа, выдачу файлов, свежесть биллинга и учёт потребления.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/config"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	EnsureAccount(ctx context.Context, accountID int64) (*model.Account, error)
	SetProviderCustomerID(ctx context.Context, accountID int64, customerID string) error

	GetPricedProducts(ctx context.Context, priceIDs []int64) (map[int64]model.PricedProduct, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	SetOrderCheckout(ctx context.Context, orderID int64, checkoutID string) error
	GetOrder(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error)
	ListOrders(ctx context.Context, accountID int64) ([]model.Order, error)
	ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)

	ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error)
	ListEntitlementSources(ctx context.Context, accountID int64) ([]model.EntitlementSource, error)

	ListGrants(ctx context.Context, accountID int64) ([]model.DownloadGrant, error)
	ConsumeGrant(ctx context.Context, accountID int64, token uuid.UUID, now time.Time, sign SignFunc) (*model.DownloadGrant, model.SignedURL, error)

	CheckAndIncrementUsage(ctx context.Context, accountID int64, key string, amount int64, limit *int64, window model.ResetWindow, now time.Time) (model.UsageDecision, error)
	ListUsageBuckets(ctx context.Context, accountID int64) ([]model.UsageBucket, error)

	GetBillingSync(ctx context.Context, accountID int64) (model.BillingSyncRecord, error)
	RecordBillingSyncAttempt(ctx context.Context, accountID int64, attempt model.BillingSyncAttempt) error
}

// Tx объединяет операции, которые выполняются только внутри транзакции InTx.
type Tx interface {
	RecordEventIfNew(ctx context.Context, ev model.WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, providerEventID, effect string, at time.Time) error

	LockOrder(ctx context.Context, publicID uuid.UUID) (*model.Order, error)
	LockOrderByPaymentRef(ctx context.Context, paymentRef string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus, at time.Time) error
	SetOrderPayment(ctx context.Context, orderID int64, paymentRef, checkoutID string) error
	UpsertPaymentTransaction(ctx context.Context, pt model.PaymentTransaction) error
	// AddIncident возвращает число эскалируемых расхождений по заказу с учётом нового.
	AddIncident(ctx context.Context, inc model.OrderIncident) (int, error)

	ListActiveAssets(ctx context.Context, productIDs []int64) ([]model.Asset, error)
	CreateGrants(ctx context.Context, grants []model.DownloadGrant) (int, error)
	RevokeOrderGrants(ctx context.Context, orderID int64, at time.Time) (int64, error)

	CreateSubscriptions(ctx context.Context, subs []model.Subscription) error
	CancelOrderSubscriptions(ctx context.Context, orderID int64, at time.Time) error
	GetAccountByCustomerID(ctx context.Context, customerID string) (*model.Account, error)
	GetPriceByProviderID(ctx context.Context, providerPriceID string) (*model.Price, error)
	UpsertProviderSubscription(ctx context.Context, sub model.Subscription) error
	CancelProviderSubscriptionsExcept(ctx context.Context, accountID int64, keep []string, at time.Time) (int64, error)
}

// SignFunc выдаёт ссылку для права на скачивание внутри транзакции списания.
type SignFunc func(grant model.DownloadGrant) (model.SignedURL, error)

// BillingProvider возвращает подписки клиента у внешнего провайдера.
type BillingProvider interface {
	ListSubscriptions(ctx context.Context, customerID string) ([]model.ProviderSubscription, error)
}

// CheckoutProvider создаёт у провайдера сессию оплаты заказа.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, order *model.Order, customerID string, lines []billing.CheckoutLine) (*billing.Checkout, error)
}

// Signer подписывает ссылки на файлы.
type Signer interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (model.SignedURL, error)
}

// Settings задаёт параметры поведения движка.
type Settings struct {
	SyncWindows        model.SyncWindows
	RefreshMinInterval time.Duration
	RefreshTimeout     time.Duration
	RefreshRetries     uint64
	RefreshBackoff     time.Duration

	MaxDownloads   int64
	DownloadURLTTL time.Duration
	// GrantTTL ограничивает срок права на скачивание. Ноль означает бессрочное право.
	GrantTTL       time.Duration

	AllowManualConfirm bool
	PendingOrderTTL    time.Duration
	SweepInterval      time.Duration

	NearLimitPercent float64
	Limits           map[model.PlanTier]map[string]*int64
}

// NewSettings переносит конфигурацию процесса в параметры движка.
func NewSettings(cfg *config.Config) Settings {
	limit := func(v int64) *int64 { return &v }
	return Settings{
		SyncWindows: model.SyncWindows{
			SoftSeconds: cfg.Billing.SoftStaleSeconds,
			HardSeconds: cfg.Billing.HardTTLSeconds,
		}.Normalize(),
		RefreshMinInterval: cfg.Billing.RefreshMinInterval,
		RefreshTimeout:     15 * time.Second,
		RefreshRetries:     3,
		RefreshBackoff:     100 * time.Millisecond,
		MaxDownloads:       cfg.Storage.MaxDownloads,
		DownloadURLTTL:     cfg.Storage.URLTTL,
		GrantTTL:           cfg.Storage.GrantTTL,
		AllowManualConfirm: cfg.Orders.AllowManualConfirm && !cfg.Production(),
		PendingOrderTTL:    cfg.Orders.PendingTTL,
		SweepInterval:      cfg.Orders.SweepInterval,
		NearLimitPercent:   cfg.Usage.NearLimitPercent,
		Limits: map[model.PlanTier]map[string]*int64{
			model.PlanFree: {
				model.UsageTokens: limit(cfg.Usage.FreeTokens),
				model.UsageImages: limit(cfg.Usage.FreeImages),
				model.UsageVideos: limit(cfg.Usage.FreeVideos),
			},
			model.PlanPro: {
				model.UsageTokens: limit(cfg.Usage.ProTokens),
				model.UsageImages: limit(cfg.Usage.ProImages),
				model.UsageVideos: limit(cfg.Usage.ProVideos),
			},
			model.PlanEnterprise: {
				model.UsageTokens: nil,
				model.UsageImages: nil,
				model.UsageVideos: nil,
			},
		},
	}
}

// Deps перечисляет внешних участников, с которыми работает движок. Любой может отсутствовать.
type Deps struct {
	Provider BillingProvider
	Checkout CheckoutProvider
	Signer   Signer
	// Clock подменяет текущее время. По умолчанию time.Now.
	Clock func() time.Time
}

// Service содержит бизнес-логику движка.
type Service struct {
	repo     Repository
	provider BillingProvider
	checkout CheckoutProvider
	signer   Signer
	cfg      Settings
	logger   *zap.Logger
	now      func() time.Time

	refreshGroup singleflight.Group
	limiters     *accountLimiters
}

// NewService создаёт сервис поверх хранилища и внешних участников.
func NewService(repo Repository, deps Deps, cfg Settings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = 5
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 15 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	cfg.SyncWindows = cfg.SyncWindows.Normalize()
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Service{
		repo:     repo,
		provider: deps.Provider,
		checkout: deps.Checkout,
		signer:   deps.Signer,
		cfg:      cfg,
		logger:   logger,
		now:      now,
		limiters: newAccountLimiters(cfg.RefreshMinInterval),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}
