// Package handler содержит HTTP-обработчики API движка оплаты и выдачи доступа.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/middleware"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
	"github.com/mmeshcher/fulfillment-engine/internal/storage"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, accountID int64, lines []service.OrderLine) (*service.CreatedOrder, error)
	GetOrder(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error)
	ListOrders(ctx context.Context, accountID int64) ([]model.Order, error)
	ConfirmOrderManually(ctx context.Context, accountID int64, publicID uuid.UUID) (*model.Order, error)
	FulfillOrder(ctx context.Context, publicID uuid.UUID) (*model.Order, error)

	HandleEvent(ctx context.Context, ev webhook.Event) (service.EventOutcome, error)

	ListSubscriptions(ctx context.Context, accountID int64) ([]model.Subscription, error)
	Resolve(ctx context.Context, accountID int64) ([]model.Entitlement, error)
	PlanTier(ctx context.Context, accountID int64) (model.PlanTier, error)

	ListGrants(ctx context.Context, accountID int64) ([]model.DownloadGrant, error)
	RequestAccess(ctx context.Context, accountID int64, token uuid.UUID) (*service.Access, error)

	Status(ctx context.Context, accountID int64) (model.BillingSyncStatus, error)
	Refresh(ctx context.Context, accountID int64) (model.BillingSyncStatus, error)

	Summary(ctx context.Context, accountID int64) (*service.UsageSummary, error)
	ConsumeUsage(ctx context.Context, accountID int64, key string, amount int64) (model.UsageDecision, error)
}

// Options задаёт необязательные части HTTP-слоя.
type Options struct {
	// Verifier проверяет подписи вебхуков. Без него вебхуки отклоняются с 503.
	Verifier *webhook.Verifier
	// AdminSecret открывает операторские маршруты. Пустой закрывает их.
	AdminSecret string
	// ConfirmSecret, если задан, требуется в X-Order-Confirm-Secret при ручном подтверждении.
	ConfirmSecret string
	// Files и FilesDir включают раздачу файлов по ссылкам HMACSigner.
	Files    *storage.HMACSigner
	FilesDir string
}

// Handler реализует HTTP-обработчики API движка.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		opts:           opts,
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		ErrorCode: code,
		Detail:    detail,
	})
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

func parseUUID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
