package identity

import "testing"

func TestGenerateAndUserID(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id, err := kp.UserID()
	if err != nil {
		t.Fatalf("UserID() error = %v", err)
	}
	if len(id) != 64 {
		t.Errorf("UserID() length = %d, want 64 (hex sha256)", len(id))
	}

	pem, err := kp.PublicPEM()
	if err != nil {
		t.Fatalf("PublicPEM() error = %v", err)
	}
	idFromPEM, err := UserIDFromPEM(pem)
	if err != nil {
		t.Fatalf("UserIDFromPEM() error = %v", err)
	}
	if id != idFromPEM {
		t.Errorf("UserID() = %q, UserIDFromPEM() = %q, want equal", id, idFromPEM)
	}
}

func TestUserIDDiffersAcrossKeys(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	idA, _ := a.UserID()
	idB, _ := b.UserID()
	if idA == idB {
		t.Errorf("two distinct keys produced the same user id %q", idA)
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	pemBytes, err := PublicKeyToPEM(&kp.Private.PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyToPEM() error = %v", err)
	}
	pub, err := PublicKeyFromPEM(pemBytes)
	if err != nil {
		t.Fatalf("PublicKeyFromPEM() error = %v", err)
	}
	if pub.X.Cmp(kp.Private.PublicKey.X) != 0 || pub.Y.Cmp(kp.Private.PublicKey.Y) != 0 {
		t.Errorf("round-tripped public key does not match original")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	pemBytes, err := PrivateKeyToPEM(kp.Private)
	if err != nil {
		t.Fatalf("PrivateKeyToPEM() error = %v", err)
	}
	priv, err := PrivateKeyFromPEM(pemBytes)
	if err != nil {
		t.Fatalf("PrivateKeyFromPEM() error = %v", err)
	}
	if priv.D.Cmp(kp.Private.D) != 0 {
		t.Errorf("round-tripped private scalar does not match original")
	}
}

func TestPublicKeyFromPEMRejectsGarbage(t *testing.T) {
	if _, err := PublicKeyFromPEM([]byte("not a pem block")); err == nil {
		t.Errorf("PublicKeyFromPEM(garbage) succeeded, want error")
	}
}
