package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

type orderLineRequest struct {
	PriceID  int64 `json:"price_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"gte=1,lte=1000"`
}

type createOrderRequest struct {
	Items []orderLineRequest `json:"items" validate:"required,min=1,max=50,dive"`
}

type orderItemResponse struct {
	ProductID       int64               `json:"product_id"`
	PriceID         int64               `json:"price_id"`
	Quantity        int64               `json:"quantity"`
	UnitAmountCents int64               `json:"unit_amount_cents"`
	ProductType     model.ProductType   `json:"product_type"`
	BillingPeriod   model.BillingPeriod `json:"billing_period"`
}

type orderResponse struct {
	ID          uuid.UUID           `json:"id"`
	Status      model.OrderStatus   `json:"status"`
	TotalCents  int64               `json:"total_cents"`
	Currency    string              `json:"currency"`
	Items       []orderItemResponse `json:"items"`
	PaidAt      *time.Time          `json:"paid_at,omitempty"`
	FulfilledAt *time.Time          `json:"fulfilled_at,omitempty"`
	CanceledAt  *time.Time          `json:"canceled_at,omitempty"`
	RefundedAt  *time.Time          `json:"refunded_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:       it.ProductID,
			PriceID:         it.PriceID,
			Quantity:        it.Quantity,
			UnitAmountCents: it.UnitAmountCents,
			ProductType:     it.ProductType,
			BillingPeriod:   it.BillingPeriod,
		})
	}
	return orderResponse{
		ID:          o.PublicID,
		Status:      o.Status,
		TotalCents:  o.TotalCents,
		Currency:    o.Currency,
		Items:       items,
		PaidAt:      o.PaidAt,
		FulfilledAt: o.FulfilledAt,
		CanceledAt:  o.CanceledAt,
		RefundedAt:  o.RefundedAt,
		CreatedAt:   o.CreatedAt,
	}
}

type createOrderResponse struct {
	Order       orderResponse `json:"order"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
}

// CreateOrder создаёт заказ текущего аккаунта и, если возможно, сессию оплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	for i := range req.Items {
		if req.Items[i].Quantity == 0 {
			req.Items[i].Quantity = 1
		}
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	lines := make([]service.OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, service.OrderLine{PriceID: it.PriceID, Quantity: it.Quantity})
	}

	created, err := h.service.CreateOrder(r.Context(), accountID, lines)
	if err != nil {
		if errors.Is(err, model.ErrInvalidOrder) || errors.Is(err, model.ErrPriceNotFound) {
			writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Order:       toOrderResponse(created.Order),
		CheckoutURL: created.CheckoutURL,
	})
}

// GetOrders возвращает заказы текущего аккаунта.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает один заказ текущего аккаунта.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), accountID, id)
	if err != nil {
		if errors.Is(err, model.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("order", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ConfirmOrder подтверждает оплату заказа без провайдера. Доступно только в среде разработки.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}
	if h.opts.ConfirmSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Order-Confirm-Secret")), []byte(h.opts.ConfirmSecret)) != 1 {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	id, ok := parseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.ConfirmOrderManually(r.Context(), accountID, id)
	switch {
	case err == nil, errors.Is(err, model.ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	case errors.Is(err, model.ErrManualConfirmDisabled):
		writeError(w, http.StatusForbidden, "manual_confirm_disabled", err.Error())
	case errors.Is(err, model.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		h.logger.Error("confirm order error", zap.Error(err), zap.String("order", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// FulfillOrder отмечает исполнение оплаченного заказа оператором.
func (h *Handler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.FulfillOrder(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	case errors.Is(err, model.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		h.logger.Error("fulfill order error", zap.Error(err), zap.String("order", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
