// Package authcrypto provides the stateless crypto primitives the auth
// subsystem builds on: random tokens, the PKCE S256 challenge, and the
// AES-256-GCM envelope used for tokens at rest.
package authcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the derived AES key size: 32 bytes => AES-256.
	KeyLength = 32

	nonceSizeGCM = 12  // recommended AES-GCM nonce size (96 bits)
	envelopeSep  = ":" // iv:ciphertext, both base64
	hkdfInfo     = "tmi-auth-session-storage"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("random source: %w", err)
	}
	return b, nil
}

// RandomURLToken returns a base64url (no padding) encoding of n random
// bytes. 32 bytes encode to exactly 43 characters.
func RandomURLToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// S256Challenge computes the PKCE code challenge for a verifier:
// BASE64URL(SHA256(verifier)), always 43 characters.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DeriveKey expands a session salt into an AES-256 key with HKDF-SHA256.
// The salt lives only in volatile storage, so a process restart makes every
// previously written envelope undecryptable.
func DeriveKey(salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("derive key: empty salt")
	}
	key := make([]byte, KeyLength)
	r := hkdf.New(sha256.New, salt, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns
// base64(iv) + ":" + base64(ciphertext). A fresh IV is generated per call.
func Encrypt(key []byte, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv, err := RandomBytes(nonceSizeGCM)
	if err != nil {
		return "", err
	}
	ct := aead.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(iv) + envelopeSep + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens an iv:ciphertext envelope produced by Encrypt.
func Decrypt(key []byte, envelope string) ([]byte, error) {
	ivPart, ctPart, found := strings.Cut(envelope, envelopeSep)
	if !found {
		return nil, fmt.Errorf("malformed envelope: expected iv%sciphertext", envelopeSep)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != nonceSizeGCM {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), nonceSizeGCM)
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("key length %d, want %d", len(key), KeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}
