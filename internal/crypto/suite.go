// Package crypto: segmented AEAD streams (AES-GCM or ChaCha20-Poly1305) with
// HKDF per-stream keys, and directional key derivation from a shared secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite selects the segment AEAD.
type Suite uint8

const (
	SuiteAESGCM Suite = iota
	SuiteChaCha20Poly1305
)

func (s Suite) String() string {
	switch s {
	case SuiteAESGCM:
		return "aes-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	}
	return fmt.Sprintf("Suite(%d)", uint8(s))
}

// ParseSuite accepts the names printed by String.
func ParseSuite(name string) (Suite, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-gcm", "aes256-gcm", "aesgcm":
		return SuiteAESGCM, nil
	case "chacha20-poly1305", "chacha20poly1305", "chacha":
		return SuiteChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: unknown suite %q", ErrInvalidParams, name)
}

func (s Suite) keySizeOK(n int) bool {
	switch s {
	case SuiteAESGCM:
		return n == 16 || n == 24 || n == 32
	case SuiteChaCha20Poly1305:
		return n == chacha20poly1305.KeySize
	}
	return false
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidParams, s)
}
