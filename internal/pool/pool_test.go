package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirolink/kiro-gateway/internal/credential"
)

func testCreds() []credential.Credential {
	return []credential.Credential{
		{ID: 1, RefreshToken: "rt-1", AuthMethod: credential.AuthSocial, Priority: 0},
		{ID: 2, RefreshToken: "rt-2", AuthMethod: credential.AuthSocial, Priority: 1},
	}
}

func newTestPool(t *testing.T, creds []credential.Credential, opts Options) *Pool {
	t.Helper()
	if opts.Refresher == nil {
		opts.Refresher = &staticRefresher{}
	}
	return New(creds, opts)
}

type staticRefresher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (r *staticRefresher) Refresh(ctx context.Context, cred credential.Credential) (*TokenUpdate, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &TokenUpdate{
		AccessToken:  "fresh-token",
		RefreshToken: "rotated-" + cred.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, nil
}

func (r *staticRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestAcquirePrefersLowerPriority(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{MaxConcurrent: 2})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lease.CredentialID())
	p.Release(lease, OutcomeSuccess)
}

func TestAcquireSkipsExcluded(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{MaxConcurrent: 2})

	lease, err := p.Acquire(context.Background(), map[uint64]struct{}{1: {}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lease.CredentialID())
	p.Release(lease, OutcomeSuccess)
}

func TestAcquireEmptyPool(t *testing.T) {
	p := newTestPool(t, nil, Options{})
	_, err := p.Acquire(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestAcquireSkipsDisabledAndQuarantined(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{FailureThreshold: 3})
	require.NoError(t, p.SetDisabled(1, true))

	// Quarantine credential 2.
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), lease.CredentialID())
		p.Release(lease, OutcomeFailure)
	}

	_, err := p.Acquire(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)

	// Reset recovers the credential.
	require.NoError(t, p.ResetFailure(2))
	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lease.CredentialID())
	p.Release(lease, OutcomeSuccess)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	p := newTestPool(t, testCreds()[:1], Options{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire(context.Background(), nil)
		require.NoError(t, err)
		p.Release(lease, OutcomeFailure)
	}
	assert.Equal(t, 2, p.List().Credentials[0].FailureCount)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, OutcomeSuccess)
	assert.Equal(t, 0, p.List().Credentials[0].FailureCount)
}

func TestCancelledOutcomeDoesNotCount(t *testing.T) {
	p := newTestPool(t, testCreds()[:1], Options{})
	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, OutcomeCancelled)
	assert.Equal(t, 0, p.List().Credentials[0].FailureCount)
}

func TestConcurrencyGateSecondWaiterSucceeds(t *testing.T) {
	p := newTestPool(t, testCreds()[:1], Options{MaxConcurrent: 1, AcquireWait: 2 * time.Second})

	first, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.List().Credentials[0].ActiveConnections)

	done := make(chan *Lease, 1)
	go func() {
		second, err := p.Acquire(context.Background(), nil)
		if err != nil {
			done <- nil
			return
		}
		done <- second
	}()

	// The second acquirer must block while the slot is held.
	select {
	case <-done:
		t.Fatal("second acquire should wait for the slot")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first, OutcomeSuccess)
	select {
	case second := <-done:
		require.NotNil(t, second)
		p.Release(second, OutcomeSuccess)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
	assert.Equal(t, 0, p.List().Credentials[0].ActiveConnections)
}

func TestAcquireWaitTimesOut(t *testing.T) {
	p := newTestPool(t, testCreds()[:1], Options{MaxConcurrent: 1, AcquireWait: 50 * time.Millisecond})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	_, err = p.Acquire(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestReleaseIdempotent(t *testing.T) {
	p := newTestPool(t, testCreds()[:1], Options{})
	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, OutcomeFailure)
	p.Release(lease, OutcomeFailure)
	assert.Equal(t, 1, p.List().Credentials[0].FailureCount)
	assert.Equal(t, 0, p.List().Credentials[0].ActiveConnections)
}

func TestDeleteRequiresDisabled(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{})

	assert.ErrorIs(t, p.Delete(1), ErrNotDisabled)
	require.NoError(t, p.SetDisabled(1, true))
	require.NoError(t, p.Delete(1))
	assert.ErrorIs(t, p.Delete(1), ErrNotFound)
}

func TestMutationsOnUnknownID(t *testing.T) {
	p := newTestPool(t, nil, Options{})
	assert.ErrorIs(t, p.SetDisabled(99, true), ErrNotFound)
	assert.ErrorIs(t, p.SetPriority(99, 1), ErrNotFound)
	assert.ErrorIs(t, p.ResetFailure(99), ErrNotFound)
	assert.ErrorIs(t, p.Delete(99), ErrNotFound)
}

func TestAddAssignsFreshID(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{})
	id, err := p.Add(credential.Credential{RefreshToken: "rt-3"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	_, err = p.Add(credential.Credential{AuthMethod: credential.AuthIDC, RefreshToken: "rt-4"})
	assert.Error(t, err, "idc without client pair must be rejected")
}

func TestEnsureFreshCachesValidToken(t *testing.T) {
	refresher := &staticRefresher{}
	creds := testCreds()[:1]
	creds[0].AccessToken = "cached"
	creds[0].ExpiresAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	p := newTestPool(t, creds, Options{Refresher: refresher})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	token, err := p.EnsureFresh(context.Background(), lease)
	require.NoError(t, err)
	assert.Equal(t, "cached", token)
	assert.Equal(t, 0, refresher.callCount(), "valid token must not trigger a refresh")
}

func TestEnsureFreshRefreshesExpiredToken(t *testing.T) {
	refresher := &staticRefresher{}
	creds := testCreds()[:1]
	creds[0].AccessToken = "stale"
	creds[0].ExpiresAt = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	p := newTestPool(t, creds, Options{Refresher: refresher})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	token, err := p.EnsureFresh(context.Background(), lease)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, refresher.callCount())

	// The rotated refresh token is stored.
	assert.Equal(t, "rotated-rt-1", lease.Credential().RefreshToken)

	// A second call hits the cache.
	token, err = p.EnsureFresh(context.Background(), lease)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, refresher.callCount())
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	refresher := &staticRefresher{delay: 100 * time.Millisecond}
	p := newTestPool(t, testCreds()[:1], Options{MaxConcurrent: 8, Refresher: refresher})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = p.EnsureFresh(context.Background(), lease)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh-token", tokens[i])
	}
	assert.Equal(t, 1, refresher.callCount(), "concurrent callers must coalesce onto one refresh")
}

func TestEnsureFreshPropagatesAuthError(t *testing.T) {
	refresher := &staticRefresher{err: &AuthError{Kind: AuthInvalid, Status: 401, Message: "revoked"}}
	p := newTestPool(t, testCreds()[:1], Options{Refresher: refresher})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeFailure)

	_, err = p.EnsureFresh(context.Background(), lease)
	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, AuthInvalid, ae.Kind)
}

func TestWriteBackPersistsRefreshedTokens(t *testing.T) {
	dir := t.TempDir()
	store := credential.NewStore(dir + "/credentials.json")
	require.NoError(t, store.Save(testCreds()[:1]))

	refresher := &staticRefresher{}
	p := newTestPool(t, testCreds()[:1], Options{Refresher: refresher, Store: store})

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer p.Release(lease, OutcomeSuccess)

	_, err = p.EnsureFresh(context.Background(), lease)
	require.NoError(t, err)

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, "fresh-token", reloaded[0].AccessToken)
	assert.Equal(t, "rotated-rt-1", reloaded[0].RefreshToken)
}

func TestListReportsCurrentAndCounts(t *testing.T) {
	p := newTestPool(t, testCreds(), Options{})
	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)

	report := p.List()
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Available)
	assert.Equal(t, uint64(1), report.CurrentID)
	assert.True(t, report.Credentials[0].IsCurrent)
	assert.Equal(t, 1, report.Credentials[0].ActiveConnections)

	p.Release(lease, OutcomeSuccess)
}
