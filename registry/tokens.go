package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const tokenBytes = 32

// NewToken returns a fresh cancellation token. Only its hash is stored.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the form a token is persisted and compared in.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
