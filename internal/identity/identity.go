// Package identity generates and encodes the long-term EC key pairs used
// for Schnorr identification, and derives the user id from a public key.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
)

// Curve is the group every identity and ratchet identity key lives on
// (prime256v1).
var Curve = elliptic.P256()

var ErrInvalidKey = errors.New("identity: invalid key")

// KeyPair is a long-term EC identity.
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// Generate creates a fresh identity key pair on Curve.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv}, nil
}

// PublicPEM returns the PEM encoding of the public key.
func (k *KeyPair) PublicPEM() ([]byte, error) {
	return PublicKeyToPEM(&k.Private.PublicKey)
}

// UserID is the lowercase hex of SHA-256 over the PEM-encoded public key.
func (k *KeyPair) UserID() (string, error) {
	pem, err := k.PublicPEM()
	if err != nil {
		return "", err
	}
	return UserIDFromPEM(pem)
}

// UserIDFromPEM derives a user id from a PEM-encoded public key, matching
// KeyPair.UserID for the corresponding private key.
func UserIDFromPEM(pubPEM []byte) (string, error) {
	sum := sha256.Sum256(pubPEM)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKeyToPEM encodes an EC public key as a PEM block.
func PublicKeyToPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKeyFromPEM decodes a PEM-encoded EC public key.
func PublicKeyFromPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKey
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return ecPub, nil
}

// PrivateKeyToPEM encodes an EC private key as a PEM block (for at-rest
// persistence by the out-of-scope local store).
func PrivateKeyToPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// PrivateKeyFromPEM decodes a PEM-encoded EC private key.
func PrivateKeyFromPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return priv, nil
}
