// Package storage выдаёт подписанные ссылки на скачивание файлов.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

// ErrEmptyKey возвращается при попытке подписать пустой путь к файлу.
var ErrEmptyKey = errors.New("empty storage key")

// S3Options описывает бакет и доступ к S3-совместимому хранилищу.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Signer подписывает ссылки через presign GetObject.
type S3Signer struct {
	bucket  string
	presign *s3.PresignClient
	now     func() time.Time
}

// NewS3Signer создаёт подписывающего для бакета.
func NewS3Signer(ctx context.Context, opts S3Options) (*S3Signer, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Signer{
		bucket:  opts.Bucket,
		presign: s3.NewPresignClient(client),
		now:     time.Now,
	}, nil
}

// Sign возвращает ссылку на объект key, действующую ttl.
func (s *S3Signer) Sign(ctx context.Context, key string, ttl time.Duration) (model.SignedURL, error) {
	if strings.TrimSpace(key) == "" {
		return model.SignedURL{}, ErrEmptyKey
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return model.SignedURL{}, fmt.Errorf("presign get object: %w", err)
	}

	return model.SignedURL{URL: req.URL, ExpiresAt: s.now().Add(ttl)}, nil
}

// HMACSigner подписывает ссылки общим секретом, когда бакет не настроен.
type HMACSigner struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewHMACSigner создаёт подписывающего для ссылок вида base/key?expires=..&signature=...
func NewHMACSigner(baseURL, secret string) *HMACSigner {
	return &HMACSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// Sign возвращает ссылку на файл key, действующую ttl.
func (s *HMACSigner) Sign(_ context.Context, key string, ttl time.Duration) (model.SignedURL, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return model.SignedURL{}, ErrEmptyKey
	}

	expiresAt := s.now().Add(ttl).UTC().Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", s.signature(key, expires))

	return model.SignedURL{
		URL:       s.baseURL + "/" + key + "?" + q.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// Valid проверяет подпись и срок действия ссылки.
func (s *HMACSigner) Valid(key, expires, signature string) bool {
	sec, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > sec {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(s.signature(strings.TrimLeft(key, "/"), expires)))
}

func (s *HMACSigner) signature(key, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key + "|" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}
