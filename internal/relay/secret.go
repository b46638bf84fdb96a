package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const secretBytes = 32

// newSecret produces a cryptographically random per-session token.
func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// secretDigest reduces a secret to a fixed-width digest so comparison cost is
// independent of candidate length.
func secretDigest(secret string) [sha256.Size]byte {
	return sha256.Sum256([]byte(secret))
}

// digestsEqual compares two digests in constant time.
func digestsEqual(a, b [sha256.Size]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
