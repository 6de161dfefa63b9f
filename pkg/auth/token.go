package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenPrefix     = "op_"
	tokenBytes      = 32
	tokenPrefixLen  = 12
	tokenDigestInfo = "openport agent token digest v1"
)

// GenerateToken mints a new bearer secret and its display prefix.
func GenerateToken() (token, prefix string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", "", fmt.Errorf("auth: generate token: %w", err)
	}
	token = tokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return token, TokenPrefix(token), nil
}

// TokenPrefix returns the non-secret display fragment of token.
func TokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}

// TokenHasher derives the one-way digest under which keys are stored.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher returns a hasher. With an empty pepper the digest is a
// plain SHA-256; otherwise it is HMAC-SHA256 under a key derived from the
// pepper with HKDF.
func NewTokenHasher(pepper string) (*TokenHasher, error) {
	if pepper == "" {
		return &TokenHasher{}, nil
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(pepper), nil, []byte(tokenDigestInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: derive token key: %w", err)
	}
	return &TokenHasher{key: key}, nil
}

// Hash returns the hex digest of token.
func (h *TokenHasher) Hash(token string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
