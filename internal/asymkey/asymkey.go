// Package asymkey manages the per-user identity keypair: RSA-OAEP with a
// 2048-bit modulus, SHA-256, and public exponent 65537. The keypair is used
// for exactly one thing: wrapping and unwrapping 256-bit conversation keys
// for delivery through the shared document store.
package asymkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// Bits is the fixed RSA modulus size.
const Bits = 2048

// ErrKeyMismatch indicates an unwrap attempt with the wrong private key.
// Callers treat this as "key exchange not yet available for us", not as a
// fatal condition.
var ErrKeyMismatch = errors.New("asymkey: wrong private key for wrapped payload")

// Keypair holds one user's identity keys. The private key never leaves the
// device; the public key is published to the identity directory.
type Keypair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Generate creates a fresh 2048-bit keypair.
func Generate() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, Bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return &Keypair{Public: &priv.PublicKey, Private: priv}, nil
}

// ExportPublic encodes a public key as PKIX/SPKI DER.
func ExportPublic(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ImportPublic decodes a PKIX/SPKI DER public key.
func ImportPublic(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("asymkey: not an RSA public key")
	}
	return rsaPub, nil
}

// ExportPrivate encodes a private key as PKCS8 DER.
func ExportPrivate(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// ImportPrivate decodes a PKCS8 DER private key.
func ImportPrivate(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaPriv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("asymkey: not an RSA private key")
	}
	return rsaPriv, nil
}

// Wrap encrypts payload under pub with RSA-OAEP/SHA-256. The payload must fit
// in one OAEP block; a 32-byte conversation key always does.
func Wrap(payload []byte, pub *rsa.PublicKey) ([]byte, error) {
	max := pub.Size() - 2*sha256.Size - 2
	if len(payload) > max {
		return nil, fmt.Errorf("asymkey: payload of %d bytes exceeds OAEP maximum of %d", len(payload), max)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap payload: %w", err)
	}
	return wrapped, nil
}

// Unwrap decrypts a wrapped payload with priv. Returns ErrKeyMismatch when
// the payload was wrapped for a different keypair.
func Unwrap(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	payload, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	return payload, nil
}
