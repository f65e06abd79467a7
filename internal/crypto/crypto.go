package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation contexts. Each purpose gets its own subkey of the server secret.
const (
	ContextLinkSigning = "soaportal-link-v1"
	ContextTokenSeal   = "soaportal-token-seal-v1"
)

// MinSecretLen is the minimum accepted length of the server secret in bytes.
const MinSecretLen = 32

// GenerateKey generates a 32-byte cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte subkey from the server secret using HKDF-SHA256.
func DeriveKey(secret []byte, context string) ([]byte, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// HashToken returns the SHA-256 hex hash of a plaintext bearer token.
// Used as the lookup key for sessions and statement capabilities.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// TokenCipher seals capability tokens at rest so that signed links can be
// re-minted later without keeping the plaintext in the database.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher derives the sealing key from the server secret.
func NewTokenCipher(secret []byte) (*TokenCipher, error) {
	key, err := DeriveKey(secret, ContextTokenSeal)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{key: key}, nil
}

// Seal encrypts a token.
func (c *TokenCipher) Seal(token string) (ciphertext, nonce []byte, err error) {
	return EncryptAESGCM([]byte(token), c.key)
}

// Open decrypts a sealed token.
func (c *TokenCipher) Open(ciphertext, nonce []byte) (string, error) {
	pt, err := DecryptAESGCM(ciphertext, nonce, c.key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
