// Package auth generates the Control API's shared-secret credential. The
// orchestrator does not mint per-caller API keys (spec §4.G's auth model is
// a single operator/worker shared secret, not per-identity tokens); this
// package exists to produce that secret safely and to fingerprint it for
// display without ever printing it twice.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SecretBytes is the amount of entropy a generated shared secret carries.
const SecretBytes = 32

// GenerateSharedSecret returns a new high-entropy secret suitable for
// STREAMFLEET_API_SHARED_SECRET, base64url-encoded without padding.
func GenerateSharedSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate shared secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint derives a short, non-reversible identifier for a secret, safe
// to log or display alongside the secret's first use for operators to
// confirm which value took effect without re-displaying the secret itself.
func Fingerprint(secret string) string {
	hash := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:6])
}
