package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

type consumeRequest struct {
	Key    string `json:"key" validate:"required,oneof=tokens images videos"`
	Amount int64  `json:"amount" validate:"required,gte=1,lte=1000000000"`
}

type consumeResponse struct {
	Allowed   bool   `json:"allowed"`
	Key       string `json:"key"`
	Used      int64  `json:"used"`
	Limit     *int64 `json:"limit"`
	Remaining *int64 `json:"remaining"`
}

// GetUsageSummary возвращает тариф и состояние корзин потребления текущего аккаунта.
func (h *Handler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	summary, err := h.service.Summary(r.Context(), accountID)
	if err != nil {
		h.logger.Error("usage summary error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ConsumeUsage списывает потребление. При превышении лимита отвечает 429,
// при устаревших сверх жёсткого предела сведениях о подписках — 503.
func (h *Handler) ConsumeUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	d, err := h.service.ConsumeUsage(r.Context(), accountID, req.Key, req.Amount)
	resp := consumeResponse{
		Allowed:   d.Allowed,
		Key:       req.Key,
		Used:      d.Bucket.Used,
		Limit:     d.Bucket.Limit,
		Remaining: d.Remaining,
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, model.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.Is(err, model.ErrBillingSyncBlocking):
		writeError(w, http.StatusServiceUnavailable, "billing_sync_hard_stale", "Billing verification is stale. Retry in a moment.")
	case errors.Is(err, model.ErrInvalidUsage):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error("consume usage error", zap.Error(err), zap.Int64("accountID", accountID), zap.String("key", req.Key))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
