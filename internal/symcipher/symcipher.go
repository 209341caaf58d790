// Package symcipher implements the single symmetric cipher suite used for
// message and media payloads: AES-256-GCM with a fresh 96-bit IV per call.
// There is no algorithm negotiation; every envelope in the system is sealed
// with exactly this suite.
package symcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the raw conversation key length in bytes (AES-256).
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
)

// ErrAuthentication indicates that ciphertext, key, or IV do not match:
// the data was tampered with, corrupted, or sealed under a different key.
// It must propagate to the caller, never be swallowed.
var ErrAuthentication = errors.New("symcipher: message authentication failed")

// NewKey generates a fresh random 256-bit key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key and returns the ciphertext (with the GCM
// tag appended) and the IV that was sampled for this call. The IV is always
// freshly random; (key, IV) reuse would break GCM, so callers never supply
// their own.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate IV: %w", err)
	}

	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext with key and iv. Returns ErrAuthentication if the
// tag does not verify.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("symcipher: invalid IV length: expected %d bytes, got %d", IVSize, len(iv))
	}

	plaintext, err := aead.Open(make([]byte, 0), iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("symcipher: invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}
