package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

type subscriptionResponse struct {
	ID                 int64                    `json:"id"`
	ProductID          int64                    `json:"product_id"`
	PriceID            int64                    `json:"price_id"`
	Status             model.SubscriptionStatus `json:"status"`
	Provider           bool                     `json:"provider_managed"`
	CurrentPeriodStart *time.Time               `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time               `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool                     `json:"cancel_at_period_end"`
	CanceledAt         *time.Time               `json:"canceled_at,omitempty"`
}

// GetSubscriptions возвращает подписки текущего аккаунта.
func (h *Handler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	subs, err := h.service.ListSubscriptions(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get subscriptions error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]subscriptionResponse, 0, len(subs))
	for _, s := range subs {
		resp = append(resp, subscriptionResponse{
			ID:                 s.ID,
			ProductID:          s.ProductID,
			PriceID:            s.PriceID,
			Status:             s.Status,
			Provider:           s.ProviderSubscriptionID != "",
			CurrentPeriodStart: s.CurrentPeriodStart,
			CurrentPeriodEnd:   s.CurrentPeriodEnd,
			CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
			CanceledAt:         s.CanceledAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type entitlementSourceResponse struct {
	Type      model.EntitlementSourceType `json:"type"`
	Reference string                      `json:"reference"`
}

type entitlementResponse struct {
	FeatureKey string                      `json:"feature_key"`
	IsCurrent  bool                        `json:"is_current"`
	Sources    []entitlementSourceResponse `json:"sources"`
}

type entitlementsResponse struct {
	PlanTier     model.PlanTier        `json:"plan_tier"`
	Entitlements []entitlementResponse `json:"entitlements"`
}

// GetEntitlements возвращает возможности текущего аккаунта и его тариф.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	ents, err := h.service.Resolve(r.Context(), accountID)
	if err != nil {
		h.logger.Error("resolve entitlements error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := entitlementsResponse{
		PlanTier:     model.PlanTierFor(ents),
		Entitlements: make([]entitlementResponse, 0, len(ents)),
	}
	for _, e := range ents {
		item := entitlementResponse{FeatureKey: e.FeatureKey, IsCurrent: e.IsCurrent}
		for _, src := range e.Sources {
			item.Sources = append(item.Sources, entitlementSourceResponse{Type: src.Type, Reference: src.Reference})
		}
		resp.Entitlements = append(resp.Entitlements, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type grantResponse struct {
	Token            uuid.UUID  `json:"token"`
	Title            string     `json:"title"`
	DownloadCount    int64      `json:"download_count"`
	MaxDownloads     int64      `json:"max_downloads"`
	CanDownload      bool       `json:"can_download"`
	Revoked          bool       `json:"revoked"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func toGrantResponse(g *model.DownloadGrant, now time.Time) grantResponse {
	return grantResponse{
		Token:            g.Token,
		Title:            g.AssetTitle,
		DownloadCount:    g.DownloadCount,
		MaxDownloads:     g.MaxDownloads,
		CanDownload:      g.CanDownload(now),
		Revoked:          g.RevokedAt != nil,
		LastDownloadedAt: g.LastDownloadedAt,
		ExpiresAt:        g.ExpiresAt,
	}
}

// GetDownloads возвращает права текущего аккаунта на скачивание.
func (h *Handler) GetDownloads(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	grants, err := h.service.ListGrants(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get downloads error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	now := time.Now()
	resp := make([]grantResponse, 0, len(grants))
	for i := range grants {
		resp = append(resp, toGrantResponse(&grants[i], now))
	}
	writeJSON(w, http.StatusOK, resp)
}

type accessResponse struct {
	URL       string        `json:"url"`
	ExpiresAt time.Time     `json:"expires_at"`
	Grant     grantResponse `json:"grant"`
}

// RequestDownload списывает одно скачивание и выдаёт ссылку на файл.
func (h *Handler) RequestDownload(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}
	token, ok := parseUUID(w, chi.URLParam(r, "token"))
	if !ok {
		return
	}

	access, err := h.service.RequestAccess(r.Context(), accountID, token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, accessResponse{
			URL:       access.URL,
			ExpiresAt: access.ExpiresAt,
			Grant:     toGrantResponse(access.Grant, time.Now()),
		})
	case errors.Is(err, model.ErrGrantNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, model.ErrGrantLocked):
		writeError(w, http.StatusForbidden, "grant_locked", err.Error())
	case errors.Is(err, service.ErrSignerNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "downloads_unavailable", err.Error())
	default:
		h.logger.Error("request download error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetBillingStatus возвращает статус свежести подписок. С refresh=1 сначала обновляет их у провайдера;
// неудачное обновление не считается ошибкой запроса, статус несёт error_code.
func (h *Handler) GetBillingStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountID(w, r)
	if !ok {
		return
	}

	var (
		st  model.BillingSyncStatus
		err error
	)
	switch r.URL.Query().Get("refresh") {
	case "1", "true":
		st, err = h.service.Refresh(r.Context(), accountID)
		if errors.Is(err, model.ErrBillingProviderUnavailable) {
			h.logger.Warn("billing refresh failed", zap.Error(err), zap.Int64("accountID", accountID))
			err = nil
		}
	default:
		st, err = h.service.Status(r.Context(), accountID)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, model.ErrorCodeProviderUnavailable, err.Error())
			return
		}
		h.logger.Error("billing status error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, st)
}
