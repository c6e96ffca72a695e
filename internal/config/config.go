// Package config содержит логику чтения конфигурации движка.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrDatabaseRequired возвращается, если в production не задан DATABASE_URI.
var ErrDatabaseRequired = errors.New("DATABASE_URI is required in production")

// Config содержит параметры конфигурации движка.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`

	AuthSecret  string `env:"AUTH_SECRET"`
	AdminSecret string `env:"ADMIN_SECRET"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string `env:"STRIPE_API_URL"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL"`

	Storage StorageConfig
	Billing BillingSyncConfig
	Orders  OrderConfig
	Usage   UsageConfig
}

// StorageConfig описывает хранилище файлов и подпись ссылок на скачивание.
type StorageConfig struct {
	Bucket          string        `env:"STORAGE_BUCKET"`
	Region          string        `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Endpoint        string        `env:"STORAGE_ENDPOINT"`
	AccessKeyID     string        `env:"STORAGE_ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"STORAGE_SECRET_ACCESS_KEY"`
	LocalDir        string        `env:"STORAGE_LOCAL_DIR"`
	DownloadBaseURL string        `env:"DOWNLOAD_BASE_URL" envDefault:"http://localhost:8080/files"`
	SigningSecret   string        `env:"DOWNLOAD_SIGNING_SECRET"`
	URLTTL          time.Duration `env:"DOWNLOAD_URL_TTL" envDefault:"15m"`
	MaxDownloads    int64         `env:"DOWNLOAD_MAX_DEFAULT" envDefault:"5"`
	GrantTTL        time.Duration `env:"DOWNLOAD_GRANT_TTL" envDefault:"0s"`
}

// BillingSyncConfig задаёт окна свежести и частоту принудительных обновлений.
type BillingSyncConfig struct {
	SoftStaleSeconds   int64         `env:"BILLING_SYNC_SOFT_STALE_SECONDS" envDefault:"900"`
	HardTTLSeconds     int64         `env:"BILLING_SYNC_HARD_TTL_SECONDS" envDefault:"10800"`
	RefreshMinInterval time.Duration `env:"BILLING_REFRESH_MIN_INTERVAL" envDefault:"30s"`
}

// OrderConfig управляет ручным подтверждением и очисткой брошенных заказов.
type OrderConfig struct {
	AllowManualConfirm bool          `env:"ORDER_CONFIRM_ALLOW_MANUAL" envDefault:"false"`
	ConfirmSecret      string        `env:"ORDER_CONFIRM_SECRET"`
	PendingTTL         time.Duration `env:"PENDING_ORDER_TTL" envDefault:"24h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// UsageConfig задаёт лимиты корзин по тарифам. Enterprise не ограничен.
type UsageConfig struct {
	FreeTokens       int64   `env:"USAGE_LIMIT_FREE_TOKENS" envDefault:"100000"`
	FreeImages       int64   `env:"USAGE_LIMIT_FREE_IMAGES" envDefault:"120"`
	FreeVideos       int64   `env:"USAGE_LIMIT_FREE_VIDEOS" envDefault:"2"`
	ProTokens        int64   `env:"USAGE_LIMIT_PRO_TOKENS" envDefault:"1500000"`
	ProImages        int64   `env:"USAGE_LIMIT_PRO_IMAGES" envDefault:"1000"`
	ProVideos        int64   `env:"USAGE_LIMIT_PRO_VIDEOS" envDefault:"40"`
	NearLimitPercent float64 `env:"USAGE_NEAR_LIMIT_PERCENT" envDefault:"80"`
}

// Production сообщает, что движок запущен в боевом окружении.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStripeKey := cfg.StripeAPIKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StripeAPIKey, "s", "", "stripe API key")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStripeKey != "" {
		cfg.StripeAPIKey = envStripeKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.Billing.SoftStaleSeconds < 0 {
		cfg.Billing.SoftStaleSeconds = 900
	}
	if cfg.Billing.HardTTLSeconds <= cfg.Billing.SoftStaleSeconds {
		cfg.Billing.HardTTLSeconds = cfg.Billing.SoftStaleSeconds + 1
	}
	if cfg.Storage.MaxDownloads <= 0 {
		cfg.Storage.MaxDownloads = 5
	}
	if cfg.Production() {
		if cfg.DatabaseURI == "" {
			return nil, ErrDatabaseRequired
		}
		cfg.Orders.AllowManualConfirm = false
	}

	return cfg, nil
}
