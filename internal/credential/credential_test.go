package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLegacyAuthMethods(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"builder-id", AuthIDC},
		{"iam", AuthIDC},
		{"", AuthSocial},
		{"social", AuthSocial},
		{"idc", AuthIDC},
	}
	for _, tt := range tests {
		c := Credential{AuthMethod: tt.in}
		c.Normalize()
		assert.Equal(t, tt.want, c.AuthMethod, "authMethod %q", tt.in)
	}
}

func TestValidateIDCRequiresClientPair(t *testing.T) {
	c := Credential{ID: 1, RefreshToken: "rt", AuthMethod: AuthIDC}
	assert.Error(t, c.Validate())

	c.ClientID = "cid"
	c.ClientSecret = "secret"
	assert.NoError(t, c.Validate())
}

func TestValidateRequiresRefreshToken(t *testing.T) {
	c := Credential{ID: 1, AuthMethod: AuthSocial}
	assert.Error(t, c.Validate())
}

func TestValidateMachineIDFormat(t *testing.T) {
	c := Credential{ID: 1, RefreshToken: "rt", AuthMethod: AuthSocial, MachineID: "zz"}
	assert.Error(t, c.Validate())

	c.MachineID = MachineID(&c, "")
	assert.NoError(t, c.Validate())
}

func TestTokenValid(t *testing.T) {
	now := time.Now()
	c := Credential{
		AccessToken: "at",
		ExpiresAt:   now.Add(10 * time.Minute).Format(time.RFC3339),
	}
	assert.True(t, c.TokenValid(now, time.Minute))
	assert.False(t, c.TokenValid(now.Add(9*time.Minute+30*time.Second), time.Minute))

	c.AccessToken = ""
	assert.False(t, c.TokenValid(now, time.Minute))
}

func TestMachineIDResolutionOrder(t *testing.T) {
	c := &Credential{RefreshToken: "refresh-token-value", MachineID: ""}

	derived := MachineID(c, "")
	assert.Len(t, derived, 64)
	assert.Equal(t, derived, MachineID(c, ""), "derivation must be stable")

	cfgID := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	assert.Equal(t, cfgID, MachineID(c, cfgID))

	c.MachineID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	assert.Equal(t, c.MachineID, MachineID(c, cfgID))
}

func TestStoreLoadLegacySingleObject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"refreshToken": "rt-1",
		"authMethod": "builder-id",
		"clientId": "cid",
		"clientSecret": "sec"
	}`), 0o600))

	store := NewStore(path)
	creds, err := store.Load()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint64(1), creds[0].ID)
	assert.Equal(t, AuthIDC, creds[0].AuthMethod)
}

func TestStoreLoadArrayAssignsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": 5, "refreshToken": "rt-a"},
		{"refreshToken": "rt-b"}
	]`), 0o600))

	store := NewStore(path)
	creds, err := store.Load()
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, uint64(5), creds[0].ID)
	assert.Equal(t, uint64(6), creds[1].ID, "new ids start above the current max")
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	creds, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestStoreSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	store := NewStore(path)

	in := []Credential{{ID: 1, RefreshToken: "rt-1", AuthMethod: AuthSocial, Priority: 2}}
	require.NoError(t, store.Save(in))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []Credential
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestFingerprint(t *testing.T) {
	short := Credential{RefreshToken: "abc"}
	assert.Equal(t, "abc", short.Fingerprint())

	long := Credential{RefreshToken: string(make([]byte, 100))}
	assert.Len(t, long.Fingerprint(), 64)
}
