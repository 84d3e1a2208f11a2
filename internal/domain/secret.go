package domain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Secret is the capability credential minted for one invocation. An external
// callback must present it to complete an async invocation. Secrets are never
// reused across invocations.
type Secret string

const secretBytes = 32

// NewSecret mints a random secret. It panics only if the OS entropy source is
// broken, in which case nothing else in the process is trustworthy either.
func NewSecret() Secret {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("domain: crypto/rand failed: " + err.Error())
	}
	return Secret(hex.EncodeToString(buf))
}

// Token returns the raw secret value for transmission to the subscriber.
func (s Secret) Token() string { return string(s) }

// Matches compares a presented token against the secret in constant time.
func (s Secret) Matches(token string) bool {
	presented := sha256.Sum256([]byte(token))
	stored := sha256.Sum256([]byte(s))
	return hmac.Equal(presented[:], stored[:])
}

// String redacts the secret so it cannot leak through log formatting.
func (s Secret) String() string {
	if len(s) < 8 {
		return "***"
	}
	return string(s[:4]) + "***"
}
