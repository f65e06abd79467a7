package capability

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// TokenLength is the number of characters in a capability token.
	TokenLength = 64

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// Largest multiple of len(alphabet) that fits in a byte. Bytes at or above it
	// are discarded so every character is equally likely.
	maxByte = 256 - 256%len(alphabet)
)

// GenerateToken returns a random alphanumeric token of TokenLength characters
// (about 381 bits of entropy).
func GenerateToken() (string, error) {
	return generateToken(rand.Reader)
}

func generateToken(r io.Reader) (string, error) {
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	for len(out) < TokenLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("generating token: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}
