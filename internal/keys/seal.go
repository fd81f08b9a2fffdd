package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts provider credentials at rest. Plaintext credentials exist
// only inside a request-scoped ResolvedKey.
type Sealer struct {
	aeadKey []byte
}

// NewSealer constructs a Sealer from a hex-encoded 32-byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, errDecode := hex.DecodeString(strings.TrimSpace(hexKey))
	if errDecode != nil {
		return nil, fmt.Errorf("keys: decode credential key: %w", errDecode)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keys: credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{aeadKey: key}, nil
}

// Seal encrypts a plaintext credential.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("keys: sealer not initialized")
	}
	aead, errNew := chacha20poly1305.NewX(s.aeadKey)
	if errNew != nil {
		return "", fmt.Errorf("keys: init aead: %w", errNew)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, errRand := rand.Read(nonce); errRand != nil {
		return "", fmt.Errorf("keys: nonce: %w", errRand)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("keys: sealer not initialized")
	}
	raw, errDecode := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if errDecode != nil {
		return "", fmt.Errorf("keys: decode sealed credential: %w", errDecode)
	}
	aead, errNew := chacha20poly1305.NewX(s.aeadKey)
	if errNew != nil {
		return "", fmt.Errorf("keys: init aead: %w", errNew)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("keys: sealed credential too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, errOpen := aead.Open(nil, nonce, ciphertext, nil)
	if errOpen != nil {
		return "", fmt.Errorf("keys: open credential: %w", errOpen)
	}
	return string(plaintext), nil
}
