package schnorr

import (
	"math/big"
	"testing"

	"github.com/zentalk/cans-relay/internal/identity"
)

func TestCommitChallengeRespondVerify(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}

	commitment, err := NewCommitment(kp.Private)
	if err != nil {
		t.Fatalf("NewCommitment() error = %v", err)
	}

	challenge, err := Challenge()
	if err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}

	response := Respond(commitment, kp.Private, challenge)

	if err := Verify(commitment.PublicKey, commitment.R, challenge, response); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	prover, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	impostor, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}

	commitment, err := NewCommitment(prover.Private)
	if err != nil {
		t.Fatalf("NewCommitment() error = %v", err)
	}
	challenge, err := Challenge()
	if err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}

	// Impostor signs the response with its own key, claiming the prover's
	// commitment and public key.
	forgedResponse := Respond(commitment, impostor.Private, challenge)

	if err := Verify(commitment.PublicKey, commitment.R, challenge, forgedResponse); err != ErrVerificationFailed {
		t.Errorf("Verify() error = %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyRejectsTamperedChallenge(t *testing.T) {
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	commitment, err := NewCommitment(kp.Private)
	if err != nil {
		t.Fatalf("NewCommitment() error = %v", err)
	}
	challenge, err := Challenge()
	if err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}
	response := Respond(commitment, kp.Private, challenge)

	tampered := new(big.Int).Add(challenge, big.NewInt(1))
	if err := Verify(commitment.PublicKey, commitment.R, tampered, response); err != ErrVerificationFailed {
		t.Errorf("Verify() with tampered challenge error = %v, want ErrVerificationFailed", err)
	}
}

func TestPublicKeyEqual(t *testing.T) {
	a, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	b, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	if !PublicKeyEqual(&a.Private.PublicKey, &a.Private.PublicKey) {
		t.Errorf("PublicKeyEqual(a, a) = false, want true")
	}
	if PublicKeyEqual(&a.Private.PublicKey, &b.Private.PublicKey) {
		t.Errorf("PublicKeyEqual(a, b) = true, want false")
	}
	if PublicKeyEqual(nil, nil) == false {
		t.Errorf("PublicKeyEqual(nil, nil) = false, want true")
	}
	if PublicKeyEqual(&a.Private.PublicKey, nil) {
		t.Errorf("PublicKeyEqual(a, nil) = true, want false")
	}
}
