package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

const grantColumns = `g.id, g.token, g.account_id, g.order_id, g.order_item_id, g.asset_id,
	a.title, a.storage_key, g.download_count, g.max_downloads, g.revoked_at, g.last_downloaded_at,
	g.expires_at, g.created_at, o.status`

func scanGrant(row pgx.Row) (model.DownloadGrant, error) {
	var (
		g      model.DownloadGrant
		status string
	)
	err := row.Scan(
		&g.ID, &g.Token, &g.AccountID, &g.OrderID, &g.OrderItemID, &g.AssetID,
		&g.AssetTitle, &g.StorageKey, &g.DownloadCount, &g.MaxDownloads, &g.RevokedAt, &g.LastDownloadedAt,
		&g.ExpiresAt, &g.CreatedAt, &status,
	)
	if err != nil {
		return g, err
	}
	g.OrderStatus = model.OrderStatus(status)
	return g, nil
}

// ListGrants возвращает права аккаунта вместе с текущим статусом заказа.
func (r *PostgresRepository) ListGrants(ctx context.Context, accountID int64) ([]model.DownloadGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+grantColumns+`
		 FROM download_grants g
		 JOIN orders o ON o.id = g.order_id
		 JOIN product_assets a ON a.id = g.asset_id
		 WHERE g.account_id = $1
		 ORDER BY g.id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select grants: %w", err)
	}
	defer rows.Close()

	var out []model.DownloadGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// ConsumeGrant в одной транзакции блокирует право, проверяет его, подписывает ссылку и
// увеличивает счётчик. Строка заказа блокируется на чтение, чтобы возврат не прошёл между
// проверкой и списанием.
func (r *PostgresRepository) ConsumeGrant(ctx context.Context, accountID int64, token uuid.UUID, now time.Time, sign service.SignFunc) (*model.DownloadGrant, model.SignedURL, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, model.SignedURL{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	g, err := scanGrant(tx.QueryRow(ctx,
		`SELECT `+grantColumns+`
		 FROM download_grants g
		 JOIN orders o ON o.id = g.order_id
		 JOIN product_assets a ON a.id = g.asset_id
		 WHERE g.token = $1 AND g.account_id = $2
		 FOR UPDATE OF g FOR SHARE OF o`,
		token, accountID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.SignedURL{}, model.ErrGrantNotFound
		}
		return nil, model.SignedURL{}, fmt.Errorf("lock grant: %w", err)
	}

	if !g.CanDownload(now) {
		return nil, model.SignedURL{}, model.ErrGrantLocked
	}

	signed, err := sign(g)
	if err != nil {
		return nil, model.SignedURL{}, err
	}

	err = tx.QueryRow(ctx,
		`UPDATE download_grants
		 SET download_count = download_count + 1, last_downloaded_at = $2
		 WHERE id = $1 AND revoked_at IS NULL AND download_count < max_downloads
		   AND (expires_at IS NULL OR expires_at > $2)
		 RETURNING download_count, last_downloaded_at`,
		g.ID, now,
	).Scan(&g.DownloadCount, &g.LastDownloadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.SignedURL{}, model.ErrGrantLocked
		}
		return nil, model.SignedURL{}, fmt.Errorf("increment download count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, model.SignedURL{}, fmt.Errorf("commit tx: %w", err)
	}

	return &g, signed, nil
}

// ListActiveAssets возвращает активные файлы продуктов.
func (t *pgTx) ListActiveAssets(ctx context.Context, productIDs []int64) ([]model.Asset, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, product_id, storage_key, title, active
		 FROM product_assets
		 WHERE product_id = ANY($1) AND active
		 ORDER BY id`,
		productIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select assets: %w", err)
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.ID, &a.ProductID, &a.StorageKey, &a.Title, &a.Active); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// CreateGrants выдаёт права. Повторная выдача на ту же пару (строка заказа, файл) пропускается.
func (t *pgTx) CreateGrants(ctx context.Context, grants []model.DownloadGrant) (int, error) {
	created := 0
	for _, g := range grants {
		tag, err := t.tx.Exec(ctx,
			`INSERT INTO download_grants (token, account_id, order_id, order_item_id, asset_id, max_downloads, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (order_item_id, asset_id) DO NOTHING`,
			g.Token, g.AccountID, g.OrderID, g.OrderItemID, g.AssetID, g.MaxDownloads, g.ExpiresAt, g.CreatedAt,
		)
		if err != nil {
			return created, fmt.Errorf("insert grant: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// RevokeOrderGrants отзывает все действующие права заказа.
func (t *pgTx) RevokeOrderGrants(ctx context.Context, orderID int64, at time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE download_grants SET revoked_at = $2 WHERE order_id = $1 AND revoked_at IS NULL`,
		orderID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke grants: %w", err)
	}
	return tag.RowsAffected(), nil
}
