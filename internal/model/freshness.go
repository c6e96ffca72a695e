package model

import "time"

// SyncState определяет степень свежести сведений о подписках аккаунта.
type SyncState string

const (
	SyncStateFresh     SyncState = "fresh"
	SyncStateSoftStale SyncState = "soft_stale"
	SyncStateHardStale SyncState = "hard_stale"
)

// Коды причин в статусе синхронизации.
const (
	ReasonFresh                  = "fresh"
	ReasonSoftStale              = "soft_stale"
	ReasonHardStale              = "hard_stale"
	ReasonNeverSynced            = "never_synced"
	ReasonFreshWithSyncError     = "fresh_with_sync_error"
	ReasonSoftStaleWithSyncError = "soft_stale_with_sync_error"
	ReasonHardStaleWithSyncError = "hard_stale_with_sync_error"

	ReasonSynced                  = "synced"
	ReasonNoSubscriptionPayload   = "no_subscription_payload"
	ReasonNoActiveSubscription    = "no_active_subscription"
	ReasonSyncedWithPartialErrors = "synced_with_partial_errors"
	ReasonUnknown                 = "unknown"

	ErrorCodeProviderUnavailable = "provider_unavailable"
	ErrorCodeUpsertFailed        = "subscription_upsert_failed"
)

const (
	detailHardBlock   = "Billing verification is stale. Retry in a moment."
	detailSoftWarning = "Billing sync is delayed. Usage enforcement still applies."
	detailFreshError  = "Recent billing sync attempt failed, but last successful sync is still within the freshness window."
	detailHealthy     = "Billing sync is healthy."
)

// SyncWindows задаёт границы свежести в секундах.
type SyncWindows struct {
	SoftSeconds int64
	HardSeconds int64
}

// Normalize гарантирует, что жёсткий предел строго больше мягкого.
func (w SyncWindows) Normalize() SyncWindows {
	if w.SoftSeconds < 0 {
		w.SoftSeconds = 0
	}
	if w.HardSeconds <= w.SoftSeconds {
		w.HardSeconds = w.SoftSeconds + 1
	}
	return w
}

// BillingSyncRecord хранит результаты попыток синхронизации аккаунта.
type BillingSyncRecord struct {
	AccountID            int64
	LastAttemptAt        *time.Time
	LastSuccessAt        *time.Time
	LastAttemptSucceeded *bool
	LastReasonCode       string
	LastErrorCode        string
	LastErrorDetail      string
}

// BillingSyncAttempt описывает итог одной попытки обновления у провайдера.
type BillingSyncAttempt struct {
	At         time.Time
	Success    bool
	ReasonCode string
	ErrorCode  string
	Detail     string
}

// BillingSyncStatus вычисляется при каждом чтении и не хранится.
type BillingSyncStatus struct {
	State             SyncState  `json:"state"`
	Blocking          bool       `json:"blocking"`
	ReasonCode        string     `json:"reason_code"`
	ErrorCode         *string    `json:"error_code"`
	Detail            string     `json:"detail"`
	LastAttemptAt     *time.Time `json:"last_attempt_at"`
	LastSuccessAt     *time.Time `json:"last_success_at"`
	AgeSeconds        *int64     `json:"age_seconds"`
	SoftWindowSeconds int64      `json:"soft_window_seconds"`
	HardTTLSeconds    int64      `json:"hard_ttl_seconds"`
	Throttled         bool       `json:"throttled,omitempty"`
}

// EvaluateFreshness вычисляет статус по записи о синхронизации на момент now.
func EvaluateFreshness(rec BillingSyncRecord, now time.Time, w SyncWindows) BillingSyncStatus {
	w = w.Normalize()

	st := BillingSyncStatus{
		LastAttemptAt:     rec.LastAttemptAt,
		LastSuccessAt:     rec.LastSuccessAt,
		SoftWindowSeconds: w.SoftSeconds,
		HardTTLSeconds:    w.HardSeconds,
	}

	if rec.LastSuccessAt == nil {
		st.State = SyncStateHardStale
		st.ReasonCode = ReasonNeverSynced
		st.Blocking = true
	} else {
		age := int64(now.Sub(*rec.LastSuccessAt) / time.Second)
		if age < 0 {
			age = 0
		}
		st.AgeSeconds = &age

		switch {
		case age <= w.SoftSeconds:
			st.State = SyncStateFresh
			st.ReasonCode = ReasonFresh
		case age <= w.HardSeconds:
			st.State = SyncStateSoftStale
			st.ReasonCode = ReasonSoftStale
		default:
			st.State = SyncStateHardStale
			st.ReasonCode = ReasonHardStale
			st.Blocking = true
		}
	}

	lastFailed := rec.LastAttemptSucceeded != nil && !*rec.LastAttemptSucceeded
	switch {
	case st.State == SyncStateFresh && rec.LastErrorCode != "" && lastFailed &&
		rec.LastAttemptAt != nil && rec.LastAttemptAt.After(*rec.LastSuccessAt):
		st.ReasonCode = ReasonFreshWithSyncError
	case st.State == SyncStateSoftStale && rec.LastErrorCode != "":
		st.ReasonCode = ReasonSoftStaleWithSyncError
	case st.State == SyncStateHardStale && rec.LastErrorCode != "":
		st.ReasonCode = ReasonHardStaleWithSyncError
	}

	switch {
	case st.Blocking:
		st.Detail = detailHardBlock
	case st.State == SyncStateSoftStale:
		st.Detail = detailSoftWarning
	case st.ReasonCode == ReasonFreshWithSyncError:
		st.Detail = detailFreshError
	default:
		st.Detail = detailHealthy
	}

	if st.ReasonCode == ReasonFresh {
		if rec.LastReasonCode != "" {
			st.ReasonCode = rec.LastReasonCode
		} else {
			st.ReasonCode = ReasonUnknown
		}
	}

	if rec.LastErrorCode != "" {
		code := rec.LastErrorCode
		st.ErrorCode = &code
	}

	return st
}

// Apply возвращает запись после попытки. Время успеха не откатывается при неудаче.
func (rec BillingSyncRecord) Apply(a BillingSyncAttempt) BillingSyncRecord {
	at := a.At
	ok := a.Success
	rec.LastAttemptAt = &at
	rec.LastAttemptSucceeded = &ok
	rec.LastReasonCode = a.ReasonCode
	rec.LastErrorCode = a.ErrorCode
	rec.LastErrorDetail = a.Detail
	if a.Success && (rec.LastSuccessAt == nil || at.After(*rec.LastSuccessAt)) {
		rec.LastSuccessAt = &at
	}
	return rec
}
