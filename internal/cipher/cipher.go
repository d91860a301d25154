// Package cipher encodes message bodies on the client. The server stores and
// relays bodies as opaque strings and never imports this package.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	hkdfInfo  = "hutchat message body v1"
)

// Codec turns plaintext into a wire body and back.
type Codec interface {
	Encrypt(plaintext string) string
	Decrypt(body string) string
}

// Plain passes bodies through unchanged.
type Plain struct{}

func (Plain) Encrypt(plaintext string) string { return plaintext }
func (Plain) Decrypt(body string) string { return body }

// SecretBox seals bodies with a key derived from a shared secret. Failures
// never surface: Encrypt falls back to the plaintext and Decrypt to the input,
// so bodies written by other codecs still render.
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox derives a key from secret and salt (typically the room).
func NewSecretBox(secret, salt string) (*SecretBox, error) {
	if secret == "" {
		return nil, errors.New("cipher: empty secret")
	}
	sb := &SecretBox{}
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, sb.key[:]); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	return sb, nil
}

// Encrypt returns base64(nonce || box).
func (s *SecretBox) Encrypt(plaintext string) string {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		slog.Warn("Encryption failed, sending plaintext", "error", err)
		return plaintext
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens a body produced by Encrypt, or returns body unchanged.
func (s *SecretBox) Decrypt(body string) string {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return body
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok || len(opened) == 0 {
		return body
	}
	return string(opened)
}
