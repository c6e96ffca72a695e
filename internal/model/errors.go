package model

import "errors"

var (
	// ErrDuplicateEvent возвращается, если событие провайдера уже было обработано.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrAmountMismatch возвращается, если подтверждённая сумма или валюта не совпадает с заказом.
	ErrAmountMismatch = errors.New("amount mismatch")
	// ErrInvalidTransition возвращается при событии, недопустимом для текущего статуса заказа.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrGrantLocked возвращается, если право на скачивание сейчас не действует.
	ErrGrantLocked = errors.New("download grant locked")
	// ErrQuotaExceeded возвращается, если списание превысило бы лимит корзины.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBillingProviderUnavailable возвращается, если обновление у провайдера не удалось.
	ErrBillingProviderUnavailable = errors.New("billing provider unavailable")

	// ErrBillingSyncBlocking возвращается, если сведения о подписках устарели сверх жёсткого предела.
	ErrBillingSyncBlocking = errors.New("billing sync hard stale")

	ErrUnverifiedEvent       = errors.New("event signature not verified")
	ErrOrderNotFound         = errors.New("order not found")
	ErrGrantNotFound         = errors.New("download grant not found")
	ErrPriceNotFound         = errors.New("price not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInvalidUsage          = errors.New("invalid usage request")
	ErrManualConfirmDisabled = errors.New("manual order confirmation disabled")
)
