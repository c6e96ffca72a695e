package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/fulfillment-engine/internal/metrics"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// ErrSignerNotConfigured возвращается, если выдача ссылок не настроена.
var ErrSignerNotConfigured = errors.New("download signer not configured")

// Access содержит выданную ссылку на скачивание и состояние права после списания.
type Access struct {
	URL       string
	ExpiresAt time.Time
	Grant     *model.DownloadGrant
}

// ListGrants возвращает права аккаунта на скачивание.
func (s *Service) ListGrants(ctx context.Context, accountID int64) ([]model.DownloadGrant, error) {
	return s.repo.ListGrants(ctx, accountID)
}

// RequestAccess проверяет право и выдаёт ссылку. Счётчик увеличивается в той же
// транзакции, что и проверка, и ссылка возвращается только после фиксации.
func (s *Service) RequestAccess(ctx context.Context, accountID int64, token uuid.UUID) (*Access, error) {
	if s.signer == nil {
		return nil, ErrSignerNotConfigured
	}

	sign := func(g model.DownloadGrant) (model.SignedURL, error) {
		return s.signer.Sign(ctx, g.StorageKey, s.cfg.DownloadURLTTL)
	}

	grant, signed, err := s.repo.ConsumeGrant(ctx, accountID, token, s.now(), sign)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, model.ErrGrantLocked):
			outcome = "locked"
		case errors.Is(err, model.ErrGrantNotFound):
			outcome = "not_found"
		default:
			s.logger.Error("request download access error", zap.String("token", token.String()), zap.Error(err))
		}
		metrics.DownloadAccessTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}

	metrics.DownloadAccessTotal.WithLabelValues("granted").Inc()
	s.logger.Info("download access granted",
		zap.Int64("account_id", accountID),
		zap.Int64("grant_id", grant.ID),
		zap.Int64("download_count", grant.DownloadCount),
	)

	return &Access{URL: signed.URL, ExpiresAt: signed.ExpiresAt, Grant: grant}, nil
}
