package handler

import (
	"cmp"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Status string `json:"status"`
	Effect string `json:"effect,omitempty"`
}

// StripeWebhook проверяет подпись события провайдера и передаёт его движку.
// Ошибки, после которых провайдер должен повторить доставку, отдаются как 5xx.
// Зафиксированные отказы отдаются как 200 со статусом rejected.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.opts.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook_not_configured", "")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.opts.Verifier.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "webhook_not_configured", "")
		case errors.Is(err, webhook.ErrInvalidSignature):
			h.logger.Warn("webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid_signature", "")
		default:
			h.logger.Warn("webhook payload rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		}
		return
	}

	out, err := h.service.HandleEvent(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Status: out.Status, Effect: out.Effect})
	case errors.Is(err, model.ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, webhookResponse{Status: service.EventDuplicate})
	case errors.Is(err, model.ErrAmountMismatch):
		h.rejectedEvent(w, ev, out, model.IncidentAmountMismatch, err)
	case errors.Is(err, model.ErrInvalidTransition):
		h.rejectedEvent(w, ev, out, model.IncidentInvalidTransition, err)
	default:
		h.logger.Error("webhook processing error", zap.Error(err), zap.String("event_id", ev.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// rejectedEvent отвечает 200 на отказ, уже зафиксированный в журнале событий,
// чтобы провайдер не доставлял событие повторно.
func (h *Handler) rejectedEvent(w http.ResponseWriter, ev webhook.Event, out service.EventOutcome, kind string, err error) {
	h.logger.Warn("webhook event rejected",
		zap.String("event_id", ev.ID),
		zap.String("kind", kind),
		zap.Error(err),
	)
	writeJSON(w, http.StatusOK, webhookResponse{
		Status: service.EventRejected,
		Effect: cmp.Or(out.Effect, "rejected:"+kind),
	})
}
