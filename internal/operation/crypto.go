package operation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// TokenCipher encrypts and decrypts user access tokens so they rest
// encrypted inside stored operation documents.
type TokenCipher interface {
	EncryptToken(raw string) (string, error)
	DecryptToken(cipherText string) (string, error)
}

// AESCipher is the default TokenCipher, AES-256-GCM keyed from a shared
// secret.
type AESCipher struct {
	key []byte
}

// NewAESCipher derives an AES-256 key from the shared secret
func NewAESCipher(sharedSecret string) (*AESCipher, error) {
	if sharedSecret == "" {
		return nil, fmt.Errorf("token cipher requires a non-empty shared secret")
	}
	sum := sha256.Sum256([]byte(sharedSecret))
	return &AESCipher{key: sum[:]}, nil
}

// EncryptToken encrypts a raw token, returning base64(nonce || ciphertext)
func (c *AESCipher) EncryptToken(raw string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(raw), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptToken reverses EncryptToken
func (c *AESCipher) DecryptToken(cipherText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("token ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	raw, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(raw), nil
}
