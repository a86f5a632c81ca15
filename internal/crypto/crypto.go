package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Changing one invalidates every token or key hash derived from it.
const (
	ContextTokenSigning = "vxlgateway-jwt-signing-v1"
	ContextAPIKeyHash   = "vxlgateway-apikey-hash-v1"
)

// ErrWeakSecret is returned when the master secret is empty.
var ErrWeakSecret = errors.New("master secret must not be empty")

// Keys holds the sub-keys derived from the gateway's master secret.
type Keys struct {
	TokenSigning []byte
	APIKeyHash   []byte
}

// DeriveKeys derives independent sub-keys from secret with HKDF-SHA256.
func DeriveKeys(secret []byte) (Keys, error) {
	if len(secret) == 0 {
		return Keys{}, ErrWeakSecret
	}
	signing, err := DeriveKey(secret, ContextTokenSigning)
	if err != nil {
		return Keys{}, err
	}
	hashKey, err := DeriveKey(secret, ContextAPIKeyHash)
	if err != nil {
		return Keys{}, err
	}
	return Keys{TokenSigning: signing, APIKeyHash: hashKey}, nil
}

// DeriveKey derives a 32-byte key for context from secret using HKDF-SHA256.
func DeriveKey(secret []byte, context string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", context, err)
	}
	return key, nil
}

// RandomSecret returns n random bytes, used when no secret is configured in development.
func RandomSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return b, nil
}

// MAC returns the hex HMAC-SHA256 of msg under key.
func MAC(key []byte, msg string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}
