// Package main запускает HTTP-сервер движка оплаты и выдачи доступа.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/config"
	"github.com/mmeshcher/fulfillment-engine/internal/handler"
	"github.com/mmeshcher/fulfillment-engine/internal/middleware"
	"github.com/mmeshcher/fulfillment-engine/internal/repository"
	"github.com/mmeshcher/fulfillment-engine/internal/repository/memory"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
	"github.com/mmeshcher/fulfillment-engine/internal/storage"
	"github.com/mmeshcher/fulfillment-engine/internal/webhook"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Warnw("dotenv load error", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := newRepository(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	deps := service.Deps{}
	if client := billing.NewClient(cfg.StripeAPIKey, billing.Options{
		APIURL:     cfg.StripeAPIURL,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	}); client != nil {
		deps.Provider = client
		deps.Checkout = client
	} else {
		sugar.Warn("stripe API key is not set, checkout and billing refresh are disabled")
	}

	signer, files, err := newSigner(ctx, cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}
	deps.Signer = signer

	svc := service.NewService(repo, deps, service.NewSettings(cfg), logger)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)

	h := handler.NewHandler(svc, logger, authMiddleware, handler.Options{
		Verifier:      webhook.NewVerifier(cfg.StripeWebhookSecret),
		AdminSecret:   cfg.AdminSecret,
		ConfirmSecret: cfg.Orders.ConfirmSecret,
		Files:         files,
		FilesDir:      cfg.Storage.LocalDir,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая отмена брошенных заказов
	g.Go(func() error {
		svc.StartAbandonedCheckoutSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting fulfillment server",
			"addr", cfg.RunAddress,
			"env", cfg.AppEnv,
			"postgres", cfg.DatabaseURI != "",
			"manual_confirm", cfg.Orders.AllowManualConfirm,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newRepository выбирает Postgres при заданном DATABASE_URI, иначе хранилище в памяти с демо-каталогом.
// В production хранилище в памяти не используется.
func newRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
	if cfg.Production() {
		return nil, config.ErrDatabaseRequired
	}
	store := memory.New()
	store.SeedDemoCatalog()
	return store, nil
}

// newSigner возвращает подписчик ссылок на файлы. Локальный HMACSigner отдаётся вторым значением,
// чтобы роутер мог раздавать файлы сам.
func newSigner(ctx context.Context, cfg *config.Config) (service.Signer, *storage.HMACSigner, error) {
	st := cfg.Storage
	if st.Bucket != "" {
		s3, err := storage.NewS3Signer(ctx, storage.S3Options{
			Bucket:          st.Bucket,
			Region:          st.Region,
			Endpoint:        st.Endpoint,
			AccessKeyID:     st.AccessKeyID,
			SecretAccessKey: st.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	}

	secret := st.SigningSecret
	if secret == "" {
		if cfg.Production() {
			return nil, nil, fmt.Errorf("DOWNLOAD_SIGNING_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate signing secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}
	hs := storage.NewHMACSigner(st.DownloadBaseURL, secret)
	return hs, hs, nil
}
