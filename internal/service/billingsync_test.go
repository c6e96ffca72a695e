package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fulfillment-engine/internal/billing"
	"github.com/mmeshcher/fulfillment-engine/internal/model"
	"github.com/mmeshcher/fulfillment-engine/internal/service"
)

func linkCustomer(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.store.SetProviderCustomerID(context.Background(), testAccount, "cus_42"))
}

func activeSub(id, price string) model.ProviderSubscription {
	return model.ProviderSubscription{ID: id, CustomerID: "cus_42", PriceID: price, Status: "active"}
}

func TestRefreshWithoutCustomerIsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.Status(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateHardStale, st.State)
	assert.Equal(t, model.ReasonNeverSynced, st.ReasonCode)
	assert.True(t, st.Blocking)

	st, err = f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateFresh, st.State)
	assert.Equal(t, model.ReasonNoSubscriptionPayload, st.ReasonCode)
	assert.False(t, st.Blocking)
	assert.Equal(t, 0, f.provider.Calls())
}

func TestRefreshMirrorsProviderSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linkCustomer(t, f)

	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return []model.ProviderSubscription{activeSub("sub_1", "price_pro")}, nil
	}
	st, err := f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSynced, st.ReasonCode)

	tier, err := f.svc.PlanTier(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, tier)

	f.clock.Advance(2 * time.Minute)
	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return nil, nil
	}
	st, err = f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNoActiveSubscription, st.ReasonCode)

	subs, err := f.svc.ListSubscriptions(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionCanceled, subs[0].Status)

	tier, err = f.svc.PlanTier(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, tier)
}

func TestRefreshUnknownPrices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linkCustomer(t, f)

	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return []model.ProviderSubscription{activeSub("sub_1", "price_pro"), activeSub("sub_2", "price_legacy")}, nil
	}
	st, err := f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSyncedWithPartialErrors, st.ReasonCode)

	f.clock.Advance(2 * time.Minute)
	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return []model.ProviderSubscription{activeSub("sub_2", "price_legacy")}, nil
	}
	st, err = f.svc.Refresh(ctx, testAccount)
	if !errors.Is(err, model.ErrBillingProviderUnavailable) {
		t.Fatalf("err = %v, want ErrBillingProviderUnavailable", err)
	}
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, model.ErrorCodeUpsertFailed, *st.ErrorCode)
	assert.Equal(t, model.ReasonFreshWithSyncError, st.ReasonCode)
	assert.False(t, st.Blocking, "earlier success keeps the account fresh")

	subs, err := f.svc.ListSubscriptions(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.SubscriptionActive, subs[0].Status, "failed refresh leaves the mirror untouched")
}

func TestRefreshProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linkCustomer(t, f)

	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return nil, billing.ErrUnavailable
	}

	st, err := f.svc.Refresh(ctx, testAccount)
	if !errors.Is(err, model.ErrBillingProviderUnavailable) {
		t.Fatalf("err = %v, want ErrBillingProviderUnavailable", err)
	}
	assert.Equal(t, 3, f.provider.Calls(), "one attempt plus two retries")
	assert.Equal(t, model.SyncStateHardStale, st.State)
	assert.Equal(t, model.ReasonHardStaleWithSyncError, st.ReasonCode)
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, model.ErrorCodeProviderUnavailable, *st.ErrorCode)
	assert.True(t, st.Blocking)
}

func TestRefreshDoesNotRetryPermanentErrors(t *testing.T) {
	f := newFixture(t)
	linkCustomer(t, f)

	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		return nil, errors.New("no such customer")
	}

	_, err := f.svc.Refresh(context.Background(), testAccount)
	require.Error(t, err)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestRefreshWithoutProvider(t *testing.T) {
	f := newFixture(t, func(_ *service.Settings, d *service.Deps) { d.Provider = nil })
	linkCustomer(t, f)

	st, err := f.svc.Refresh(context.Background(), testAccount)
	if !errors.Is(err, model.ErrBillingProviderUnavailable) {
		t.Fatalf("err = %v, want ErrBillingProviderUnavailable", err)
	}
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, model.ErrorCodeProviderUnavailable, *st.ErrorCode)
}

func TestRefreshIsThrottledPerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linkCustomer(t, f)

	_, err := f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)

	st, err := f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.True(t, st.Throttled)
	assert.Equal(t, 1, f.provider.Calls())

	// другой аккаунт не затронут
	_, err = f.svc.Refresh(ctx, testAccount+1)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	st, err = f.svc.Refresh(ctx, testAccount)
	require.NoError(t, err)
	assert.False(t, st.Throttled)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestConcurrentRefreshesShareOneProviderCall(t *testing.T) {
	f := newFixture(t)
	linkCustomer(t, f)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		once.Do(func() { close(started) })
		<-release
		return []model.ProviderSubscription{activeSub("sub_1", "price_pro")}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.BillingSyncStatus, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.svc.Refresh(context.Background(), testAccount)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Refresh(context.Background(), testAccount)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.provider.Calls())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, model.ReasonSynced, results[i].ReasonCode)
		assert.False(t, results[i].Throttled)
	}
}

func TestRefreshWaiterCancellation(t *testing.T) {
	f := newFixture(t)
	linkCustomer(t, f)

	release := make(chan struct{})
	f.provider.fn = func(context.Context, string) ([]model.ProviderSubscription, error) {
		<-release
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.svc.Refresh(ctx, testAccount)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	close(release)

	// общий вызов доводится до конца и сохраняет результат
	require.Eventually(t, func() bool {
		st, err := f.svc.Status(context.Background(), testAccount)
		return err == nil && st.State == model.SyncStateFresh
	}, time.Second, 10*time.Millisecond)
}

func TestEnsureSkipsFreshAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linkCustomer(t, f)

	_, err := f.svc.Ensure(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.Calls())

	f.clock.Advance(2 * time.Minute)
	st, err := f.svc.Ensure(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateFresh, st.State)
	assert.Equal(t, 1, f.provider.Calls())

	f.clock.Advance(5 * time.Minute)
	st, err = f.svc.Ensure(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateFresh, st.State)
	assert.Equal(t, 2, f.provider.Calls())
}
