package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
	"github.com/kirolink/kiro-gateway/internal/credential"
)

// TokenUpdate is the result of a successful refresh.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    string
	ProfileArn   string
}

// Refresher performs the auth-method-specific token refresh.
type Refresher interface {
	Refresh(ctx context.Context, cred credential.Credential) (*TokenUpdate, error)
}

// EnsureFresh returns a currently valid access token for the leased
// credential, refreshing it first when expired or within the skew window.
// Concurrent calls for the same credential coalesce onto a single in-flight
// refresh.
func (p *Pool) EnsureFresh(ctx context.Context, l *Lease) (string, error) {
	return p.ensureFresh(ctx, l.e, false)
}

// RefreshNow forces a refresh of the given credential regardless of expiry.
func (p *Pool) RefreshNow(ctx context.Context, id uint64) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_, err := p.ensureFresh(ctx, e, true)
	return err
}

func (p *Pool) ensureFresh(ctx context.Context, e *entry, force bool) (string, error) {
	now := time.Now()

	p.mu.Lock()
	cred := e.cred
	p.mu.Unlock()
	if !force && cred.TokenValid(now, config.TokenExpirySkew) {
		return cred.AccessToken, nil
	}

	e.refreshMu.Lock()
	// Re-check: a refresh may have completed while we waited for the lock.
	p.mu.Lock()
	cred = e.cred
	p.mu.Unlock()
	if !force && cred.TokenValid(time.Now(), config.TokenExpirySkew) {
		e.refreshMu.Unlock()
		return cred.AccessToken, nil
	}

	if e.refreshWait != nil {
		// Another caller is refreshing: await its result.
		wait := e.refreshWait
		e.refreshMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		e.refreshMu.Lock()
		err := e.refreshErr
		e.refreshMu.Unlock()
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		token := e.cred.AccessToken
		p.mu.Unlock()
		return token, nil
	}

	// This caller leads the refresh.
	wait := make(chan struct{})
	e.refreshWait = wait
	e.refreshMu.Unlock()

	refreshCtx, cancel := context.WithTimeout(ctx, config.TokenRefreshTimeout)
	update, err := p.refresher.Refresh(refreshCtx, cred)
	cancel()

	if err == nil {
		p.mu.Lock()
		e.cred.AccessToken = update.AccessToken
		if update.RefreshToken != "" {
			e.cred.RefreshToken = update.RefreshToken
		}
		if update.ExpiresAt != "" {
			e.cred.ExpiresAt = update.ExpiresAt
		}
		if update.ProfileArn != "" {
			e.cred.ProfileArn = update.ProfileArn
		}
		token := e.cred.AccessToken
		p.mu.Unlock()

		e.refreshMu.Lock()
		e.refreshErr = nil
		e.refreshWait = nil
		close(wait)
		e.refreshMu.Unlock()

		log.Info().Uint64("credential_id", cred.ID).Msg("token refreshed")
		p.WriteBack()
		return token, nil
	}

	e.refreshMu.Lock()
	e.refreshErr = err
	e.refreshWait = nil
	close(wait)
	e.refreshMu.Unlock()

	log.Warn().Err(err).Uint64("credential_id", cred.ID).Msg("token refresh failed")
	return "", err
}
