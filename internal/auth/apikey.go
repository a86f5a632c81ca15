package auth

import (
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/org/vxlgateway/internal/crypto"
)

// APIKeyPrefix starts every gateway API key.
const APIKeyPrefix = "vxl_"

const (
	apiKeyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	apiKeyBodyLength = 32
	// displayPrefixLen is how much of a key is kept in clear for operators.
	displayPrefixLen = 8
)

var apiKeyPattern = regexp.MustCompile(`^vxl_[A-Za-z0-9]{16,}$`)

// ValidAPIKeyFormat reports whether key has the vxl_ prefix and at least 16
// alphanumeric characters after it.
func ValidAPIKeyFormat(key string) bool {
	return apiKeyPattern.MatchString(key)
}

// GenerateAPIKey returns a new random plaintext key.
func GenerateAPIKey() (string, error) {
	body := make([]byte, 0, apiKeyBodyLength)
	buf := make([]byte, 64)
	// 248 is the largest multiple of 62 below 256; rejecting above it keeps
	// the distribution uniform.
	for len(body) < apiKeyBodyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating api key: %w", err)
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			body = append(body, apiKeyAlphabet[int(b)%len(apiKeyAlphabet)])
			if len(body) == apiKeyBodyLength {
				break
			}
		}
	}
	return APIKeyPrefix + string(body), nil
}

// HashAPIKey returns the lookup hash of a plaintext key.
func HashAPIKey(hashKey []byte, plaintext string) string {
	return crypto.MAC(hashKey, plaintext)
}

// DisplayPrefix returns the part of a key safe to show in listings.
func DisplayPrefix(plaintext string) string {
	n := len(APIKeyPrefix) + displayPrefixLen
	if len(plaintext) < n {
		return plaintext
	}
	return plaintext[:n]
}
