package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerateDeviceToken creates a bearer token whose body embeds the tenant ID.
// The returned token is prefixed with "mvd_" and the accompanying hash is the
// hex-encoded SHA-256 digest of the full token value. Only the hash is ever
// persisted.
func GenerateDeviceToken(tenantID uint) (string, string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", fmt.Errorf("generate token entropy: %w", err)
	}

	tokenBody := fmt.Sprintf("tenant_%d_%s", tenantID, hex.EncodeToString(entropy))
	token := "mvd_" + base64.URLEncoding.EncodeToString([]byte(tokenBody))
	sum := sha256.Sum256([]byte(token))

	return token, hex.EncodeToString(sum[:]), nil
}

// HashToken returns the hex-encoded SHA-256 digest used for token lookups.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the first 8 characters of a token for indexed lookup.
func Prefix(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
