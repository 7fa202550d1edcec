package credential

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// kiro-cli persists its auth state in a SQLite database; the token and
// device registration live in the auth_kv table, the active profile in
// state.
const (
	kiroCLITokenKey     = "kirocli:odic:token"
	kiroCLIDeviceRegKey = "kirocli:odic:device-registration"
	kiroCLIProfileKey   = "api.codewhisperer.profile"
)

type kiroCLIToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	Region       string `json:"region"`
}

type kiroCLIDeviceRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

type kiroCLIProfile struct {
	Arn string `json:"arn"`
}

// KiroCLIDBPath returns the default location of the kiro-cli database for
// this platform.
func KiroCLIDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	var dataDir string
	switch runtime.GOOS {
	case "darwin":
		dataDir = filepath.Join(home, "Library", "Application Support")
	default:
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "kiro-cli", "data.sqlite3")
}

// ImportFromKiroCLI reads the locally installed kiro-cli's SQLite database
// and converts its stored token into a credential ready to join the pool.
func ImportFromKiroCLI(dbPath string) (*Credential, error) {
	if dbPath == "" {
		dbPath = KiroCLIDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("kiro-cli database not found at %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kiro-cli database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var rawToken string
	if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", kiroCLITokenKey).Scan(&rawToken); err != nil {
		return nil, fmt.Errorf("read kiro-cli token: %w", err)
	}
	var token kiroCLIToken
	if err := json.Unmarshal([]byte(rawToken), &token); err != nil {
		return nil, fmt.Errorf("parse kiro-cli token: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("kiro-cli token has no refresh token")
	}

	cred := &Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		Region:       token.Region,
		AuthMethod:   AuthIDC,
	}

	var rawDeviceReg string
	if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", kiroCLIDeviceRegKey).Scan(&rawDeviceReg); err == nil {
		var reg kiroCLIDeviceRegistration
		if json.Unmarshal([]byte(rawDeviceReg), &reg) == nil {
			cred.ClientID = reg.ClientID
			cred.ClientSecret = reg.ClientSecret
			if cred.Region == "" {
				cred.Region = reg.Region
			}
		}
	}

	var rawProfile string
	if err := db.QueryRow("SELECT value FROM state WHERE key = ?", kiroCLIProfileKey).Scan(&rawProfile); err == nil {
		var profile kiroCLIProfile
		if json.Unmarshal([]byte(rawProfile), &profile) == nil && profile.Arn != "" {
			cred.ProfileArn = profile.Arn
		}
	}

	if cred.ClientID == "" || cred.ClientSecret == "" {
		// Without a device registration the token can be used but not
		// refreshed via OIDC; treat it as social so refresh goes through the
		// desktop endpoint.
		log.Warn().Msg("kiro-cli import: no device registration found, importing as social auth")
		cred.AuthMethod = AuthSocial
	}

	return cred, nil
}
