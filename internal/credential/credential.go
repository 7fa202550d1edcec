// Package credential defines the OAuth credential record, its on-disk store,
// and machine fingerprint derivation.
package credential

import (
	"fmt"
	"regexp"
	"time"
)

// Auth methods accepted after normalization.
const (
	AuthSocial = "social"
	AuthIDC    = "idc"
)

// Credential is one upstream OAuth identity as persisted in the credentials
// file. Runtime state (disabled, failure count, active connections) lives in
// the pool, not here.
type Credential struct {
	ID           uint64 `json:"id,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	Region       string `json:"region,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
}

var machineIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Normalize rewrites legacy auth method names and defaults missing ones to
// social.
func (c *Credential) Normalize() {
	switch c.AuthMethod {
	case "builder-id", "iam":
		c.AuthMethod = AuthIDC
	case "":
		c.AuthMethod = AuthSocial
	}
}

// Validate checks the invariants a credential must satisfy before entering
// the pool.
func (c *Credential) Validate() error {
	if c.RefreshToken == "" {
		return fmt.Errorf("credential %d: refreshToken is required", c.ID)
	}
	switch c.AuthMethod {
	case AuthSocial:
	case AuthIDC:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("credential %d: idc auth requires clientId and clientSecret", c.ID)
		}
	default:
		return fmt.Errorf("credential %d: unknown authMethod %q", c.ID, c.AuthMethod)
	}
	if c.MachineID != "" && !machineIDPattern.MatchString(c.MachineID) {
		return fmt.Errorf("credential %d: machineId must be 64 hex chars", c.ID)
	}
	return nil
}

// EffectiveRegion resolves the region for this credential, falling back to
// the config default.
func (c *Credential) EffectiveRegion(defaultRegion string) string {
	if c.Region != "" {
		return c.Region
	}
	return defaultRegion
}

// TokenExpiry parses expiresAt. A zero time means unknown (treated as
// expired).
func (c *Credential) TokenExpiry() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, c.ExpiresAt); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TokenValid reports whether the cached access token is usable at the given
// instant, honoring the refresh skew.
func (c *Credential) TokenValid(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	expiry := c.TokenExpiry()
	if expiry.IsZero() {
		return false
	}
	return now.Add(skew).Before(expiry)
}

// Fingerprint returns the first 64 characters of the refresh token, used for
// duplicate detection during batch import.
func (c *Credential) Fingerprint() string {
	if len(c.RefreshToken) <= 64 {
		return c.RefreshToken
	}
	return c.RefreshToken[:64]
}
