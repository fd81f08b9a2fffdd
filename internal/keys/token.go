// Package keys handles proxy key tokens and provider credential sealing.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// TokenPrefix identifies proxy key tokens on the wire.
const TokenPrefix = "cr-"

const tokenRandomLen = 43

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken creates a new raw proxy key token. The raw value is shown to
// the operator exactly once; only its hash is ever persisted.
func GenerateToken() (string, error) {
	var b strings.Builder
	b.WriteString(TokenPrefix)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < tokenRandomLen; i++ {
		n, errRand := rand.Int(rand.Reader, max)
		if errRand != nil {
			return "", fmt.Errorf("keys: generate token: %w", errRand)
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// HashToken derives the persisted one-way hash of a raw token.
func HashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the leading characters of a token stored for display.
func DisplayPrefix(token string) string {
	const n = 10
	if len(token) <= n {
		return token
	}
	return token[:n]
}

// LooksLikeToken reports whether a bearer value has the proxy key shape.
func LooksLikeToken(token string) bool {
	return strings.HasPrefix(token, TokenPrefix) && len(token) == len(TokenPrefix)+tokenRandomLen
}
