// Package auth implements shared-secret authentication: a single
// API key whose SHA-256 hash is stored in the config document.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// HashKey returns the hex SHA-256 of a plaintext key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey produces a random 32-byte hex key and its hash. The
// plaintext is shown to the operator once and never stored.
func GenerateKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, HashKey(plaintext), nil
}

// Gate checks supplied keys against the stored hash. The hash is
// re-read per check so a key rotated through the config takes
// effect without restart.
type Gate struct {
	hashSource func() (string, error)
}

// NewGate builds a gate over a hash source, typically the config
// service's APIKeyHash.
func NewGate(hashSource func() (string, error)) *Gate {
	return &Gate{hashSource: hashSource}
}

// Enabled reports whether a key hash is configured. With no hash,
// all requests pass.
func (g *Gate) Enabled() bool {
	hash, err := g.hashSource()
	return err == nil && hash != ""
}

// Verify reports whether the supplied plaintext key matches the
// stored hash. Always true when auth is not configured.
func (g *Gate) Verify(supplied string) bool {
	stored, err := g.hashSource()
	if err != nil {
		return false
	}
	if stored == "" {
		return true
	}
	if supplied == "" {
		return false
	}
	got := HashKey(supplied)
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}
