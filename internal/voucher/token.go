package voucher

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// TokenBytes is the amount of randomness in a generated token.
	TokenBytes = 32
	// MaxTokenLength bounds accepted token input.
	MaxTokenLength = 256
)

// NewToken returns an unguessable URL-safe token.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeToken trims surrounding whitespace and rejects empty or oversized
// input. No other rewriting is done; lookups are exact and case-sensitive.
func NormalizeToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("%w: token exceeds %d bytes", ErrInvalidToken, MaxTokenLength)
	}
	return token, nil
}
