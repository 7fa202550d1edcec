package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirolink/kiro-gateway/internal/credential"
)

// HTTPRefresher refreshes tokens against the upstream auth endpoints:
// the desktop OAuth endpoint for social credentials and AWS SSO OIDC for
// IdC credentials. Endpoint overrides exist for tests.
type HTTPRefresher struct {
	Client        *http.Client
	DefaultRegion string

	// SocialEndpoint and OIDCEndpoint override the derived URLs when set.
	SocialEndpoint string
	OIDCEndpoint   string
}

func (r *HTTPRefresher) socialURL(region string) string {
	if r.SocialEndpoint != "" {
		return r.SocialEndpoint
	}
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
}

func (r *HTTPRefresher) oidcURL(region string) string {
	if r.OIDCEndpoint != "" {
		return r.OIDCEndpoint
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, cred credential.Credential) (*TokenUpdate, error) {
	region := cred.EffectiveRegion(r.DefaultRegion)
	switch cred.AuthMethod {
	case credential.AuthIDC:
		return r.refreshIDC(ctx, cred, region)
	default:
		return r.refreshSocial(ctx, cred, region)
	}
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileArn   string `json:"profileArn"`
}

func (r *HTTPRefresher) refreshSocial(ctx context.Context, cred credential.Credential, region string) (*TokenUpdate, error) {
	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})

	raw, err := r.post(ctx, r.socialURL(region), body)
	if err != nil {
		return nil, err
	}

	var resp socialRefreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &AuthError{Kind: AuthMalformed, Message: err.Error()}
	}
	if resp.AccessToken == "" {
		return nil, &AuthError{Kind: AuthMalformed, Message: "refresh response missing accessToken"}
	}
	return &TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
		ProfileArn:   resp.ProfileArn,
	}, nil
}

type oidcTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (r *HTTPRefresher) refreshIDC(ctx context.Context, cred credential.Credential, region string) (*TokenUpdate, error) {
	body, _ := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": cred.RefreshToken,
	})

	raw, err := r.post(ctx, r.oidcURL(region), body)
	if err != nil {
		return nil, err
	}

	var resp oidcTokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &AuthError{Kind: AuthMalformed, Message: err.Error()}
	}
	if resp.AccessToken == "" {
		return nil, &AuthError{Kind: AuthMalformed, Message: "oidc response missing accessToken"}
	}
	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	return &TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// post issues the refresh call and classifies failures into the typed auth
// error set.
func (r *HTTPRefresher) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Kind: AuthTransient, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, &AuthError{Kind: AuthTransient, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Kind: AuthTransient, Status: resp.StatusCode, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &AuthError{Kind: AuthTransient, Status: resp.StatusCode, Message: truncate(string(raw), 200)}
	default:
		return nil, &AuthError{Kind: AuthInvalid, Status: resp.StatusCode, Message: truncate(string(raw), 200)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
