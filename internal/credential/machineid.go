package credential

import (
	"crypto/sha256"
	"encoding/hex"
)

// MachineID resolves the 64-hex device fingerprint for a credential.
// Resolution order: credential override, config override, deterministic
// derivation from the refresh token. Overrides that are not 64 lowercase hex
// chars are skipped. Never randomized, so the fingerprint is stable across
// restarts.
func MachineID(c *Credential, configMachineID string) string {
	if c != nil && machineIDPattern.MatchString(c.MachineID) {
		return c.MachineID
	}
	if machineIDPattern.MatchString(configMachineID) {
		return configMachineID
	}
	if c == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])
}
