// Package vault holds the crypto primitives shared by the security core:
// symmetric encryption of opaque secrets (TOTP keys, backup codes), salted
// hashing, and random token generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrDecrypt = errors.New("vault: decryption failed")

// Vault encrypts and decrypts opaque strings with AES-256-GCM. Plaintext
// obtained from Decrypt is meant to live only for the duration of a single
// verification call.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 64-hex-character (32-byte) key.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64url string with the nonce
// prepended. Empty input round-trips to empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// HashWithSalt returns the SHA-256 hex digest of data+salt. Used to record
// MFA codes in attempt logs without storing them in plaintext.
func HashWithSalt(data, salt string) string {
	sum := sha256.Sum256([]byte(data + salt))
	return hex.EncodeToString(sum[:])
}

// NewToken returns n bytes of crypto/rand entropy, base64url encoded.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("vault: token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateBackupCodes returns n single-use recovery codes, each 8 uppercase
// hex characters.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("vault: backup code: %w", err)
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}
