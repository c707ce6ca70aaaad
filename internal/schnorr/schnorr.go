// Package schnorr implements the non-interactive three-pass Schnorr
// identification scheme used by a peer to prove possession of its
// long-term signing private key to the relay.
package schnorr

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/zentalk/cans-relay/internal/identity"
)

var ErrVerificationFailed = errors.New("schnorr: verification failed")

// Commitment is the prover's first message: its long-term public key and
// a fresh ephemeral commitment R = r*G.
type Commitment struct {
	PublicKey *ecdsa.PublicKey
	R         *ecdsa.PublicKey
	ephemeral *big.Int // r, kept by the prover across the exchange
}

// NewCommitment generates a fresh ephemeral key pair and returns the
// commitment to send to the verifier.
func NewCommitment(priv *ecdsa.PrivateKey) (*Commitment, error) {
	ephemeral, err := ecdsa.GenerateKey(identity.Curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Commitment{
		PublicKey: &priv.PublicKey,
		R:         &ephemeral.PublicKey,
		ephemeral: ephemeral.D,
	}, nil
}

// Challenge samples a uniformly random scalar by generating a throwaway
// key pair and taking its private scalar mod the curve order.
func Challenge() (*big.Int, error) {
	throwaway, err := ecdsa.GenerateKey(identity.Curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	n := identity.Curve.Params().N
	return new(big.Int).Mod(throwaway.D, n), nil
}

// Respond computes s = (r + d*c) mod n for the prover's private scalar d.
func Respond(c *Commitment, priv *ecdsa.PrivateKey, challenge *big.Int) *big.Int {
	n := identity.Curve.Params().N
	dc := new(big.Int).Mul(priv.D, challenge)
	s := new(big.Int).Add(c.ephemeral, dc)
	return s.Mod(s, n)
}

// Verify accepts iff s*G == R + c*P.
func Verify(pub *ecdsa.PublicKey, r *ecdsa.PublicKey, challenge, response *big.Int) error {
	curve := identity.Curve
	sgx, sgy := curve.ScalarBaseMult(response.Bytes())

	cpx, cpy := curve.ScalarMult(pub.X, pub.Y, challenge.Bytes())
	rhsX, rhsY := curve.Add(r.X, r.Y, cpx, cpy)

	if sgx.Cmp(rhsX) != 0 || sgy.Cmp(rhsY) != 0 {
		return ErrVerificationFailed
	}
	return nil
}

// PublicKeyEqual reports whether two public keys are the same point,
// tolerating nil curve field differences from PEM round-trips.
func PublicKeyEqual(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}
