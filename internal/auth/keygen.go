package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	KeyLength   = 16
)

// GenerateKey returns a new random API key of KeyLength alphanumeric characters.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyLength)
	size := big.NewInt(int64(len(keyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate api key: %w", err)
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// MaskKey hides all but the last 4 characters of a key for display.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
