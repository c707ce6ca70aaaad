package ratchet

import (
	"bytes"
	"testing"
)

// establishedPair builds an active (initiator, responder) session pair via
// the X3DH-style handshake, exercising StartOutbound/StartInbound the way
// internal/peer.Table does when a PEER_HELLO is accepted.
func establishedPair(t *testing.T) (initiator, responder *State) {
	t.Helper()

	alice, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}

	keys, err := bob.PublishOneTimeKeys(1)
	if err != nil {
		t.Fatalf("PublishOneTimeKeys() error = %v", err)
	}
	bob.MarkPublished()
	var oneTime DHPublic
	for _, pub := range keys {
		oneTime = pub
	}

	initiatorState, prekey, err := alice.StartOutbound(bob.IdentityPublic(), oneTime)
	if err != nil {
		t.Fatalf("StartOutbound() error = %v", err)
	}
	responderState, err := bob.StartInbound(prekey)
	if err != nil {
		t.Fatalf("StartInbound() error = %v", err)
	}
	return initiatorState, responderState
}

func TestHandshakeThenRoundTrip(t *testing.T) {
	alice, bob := establishedPair(t)

	h, ct, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := bob.Decrypt(h, ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "hello bob" {
		t.Errorf("Decrypt() = %q, want %q", pt, "hello bob")
	}
}

func TestRatchetBidirectional(t *testing.T) {
	alice, bob := establishedPair(t)

	h1, ct1, err := alice.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatalf("alice.Encrypt() error = %v", err)
	}
	if _, err := bob.Decrypt(h1, ct1); err != nil {
		t.Fatalf("bob.Decrypt() error = %v", err)
	}

	h2, ct2, err := bob.Encrypt([]byte("pong"))
	if err != nil {
		t.Fatalf("bob.Encrypt() error = %v", err)
	}
	pt2, err := alice.Decrypt(h2, ct2)
	if err != nil {
		t.Fatalf("alice.Decrypt() error = %v", err)
	}
	if string(pt2) != "pong" {
		t.Errorf("alice.Decrypt() = %q, want %q", pt2, "pong")
	}

	h3, ct3, err := alice.Encrypt([]byte("ping again"))
	if err != nil {
		t.Fatalf("alice.Encrypt() error = %v", err)
	}
	pt3, err := bob.Decrypt(h3, ct3)
	if err != nil {
		t.Fatalf("bob.Decrypt() error = %v", err)
	}
	if string(pt3) != "ping again" {
		t.Errorf("bob.Decrypt() = %q, want %q", pt3, "ping again")
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := establishedPair(t)

	type sealed struct {
		h  Header
		ct []byte
	}
	var messages []sealed
	for _, text := range []string{"one", "two", "three"} {
		h, ct, err := alice.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		messages = append(messages, sealed{h, ct})
	}

	// Deliver out of order: 3, 1, 2.
	order := []int{2, 0, 1}
	want := []string{"three", "one", "two"}
	for i, idx := range order {
		pt, err := bob.Decrypt(messages[idx].h, messages[idx].ct)
		if err != nil {
			t.Fatalf("Decrypt() message %d error = %v", idx, err)
		}
		if string(pt) != want[i] {
			t.Errorf("Decrypt() message %d = %q, want %q", idx, pt, want[i])
		}
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	alice, bob := establishedPair(t)

	h, ct, err := alice.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered := bytes.Clone(ct)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := bob.Decrypt(h, tampered); err != ErrDecryptFailed {
		t.Errorf("Decrypt(tampered) error = %v, want ErrDecryptFailed", err)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{DHPublic: DHPublic{1, 2, 3}, PreviousChainLen: 7, MessageNum: 42}
	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if decoded != h {
		t.Errorf("DecodeHeader(Encode()) = %+v, want %+v", decoded, h)
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Errorf("DecodeHeader(short) succeeded, want error")
	}
}

func TestStartInboundExhaustsOneTimePool(t *testing.T) {
	bob, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	alice, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}

	keys, err := bob.PublishOneTimeKeys(1)
	if err != nil {
		t.Fatalf("PublishOneTimeKeys() error = %v", err)
	}
	bob.MarkPublished()
	var oneTime DHPublic
	for _, pub := range keys {
		oneTime = pub
	}

	_, prekey, err := alice.StartOutbound(bob.IdentityPublic(), oneTime)
	if err != nil {
		t.Fatalf("StartOutbound() error = %v", err)
	}
	if _, err := bob.StartInbound(prekey); err != nil {
		t.Fatalf("first StartInbound() error = %v", err)
	}
	if _, err := bob.StartInbound(prekey); err == nil {
		t.Errorf("second StartInbound() on exhausted pool succeeded, want error")
	}
}

// TestStartInboundSelectsMatchingOneTimeKey publishes several prekeys
// and has the initiator agree against one in the middle of the pool:
// the responder must consume that specific key, not the oldest one.
func TestStartInboundSelectsMatchingOneTimeKey(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}

	keys, err := bob.PublishOneTimeKeys(3)
	if err != nil {
		t.Fatalf("PublishOneTimeKeys() error = %v", err)
	}
	bob.MarkPublished()
	chosen := SortedOneTimeKeys(keys)[1]

	initiator, prekey, err := alice.StartOutbound(bob.IdentityPublic(), chosen)
	if err != nil {
		t.Fatalf("StartOutbound() error = %v", err)
	}
	if prekey.OneTimeKey != chosen {
		t.Fatalf("prekey.OneTimeKey = %v, want the chosen key %v", prekey.OneTimeKey, chosen)
	}
	responder, err := bob.StartInbound(prekey)
	if err != nil {
		t.Fatalf("StartInbound() error = %v", err)
	}

	h, ct, err := initiator.Encrypt([]byte("across the pool"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := responder.Decrypt(h, ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "across the pool" {
		t.Errorf("Decrypt() = %q, want %q", pt, "across the pool")
	}

	// The same key cannot be consumed twice; the other two remain usable.
	if _, err := bob.StartInbound(prekey); err == nil {
		t.Errorf("StartInbound() with an already-consumed key succeeded, want error")
	}
	for _, remaining := range []DHPublic{SortedOneTimeKeys(keys)[0], SortedOneTimeKeys(keys)[2]} {
		_, pk, err := alice.StartOutbound(bob.IdentityPublic(), remaining)
		if err != nil {
			t.Fatalf("StartOutbound() error = %v", err)
		}
		if _, err := bob.StartInbound(pk); err != nil {
			t.Errorf("StartInbound() with remaining key %v error = %v", remaining, err)
		}
	}
}

func TestSortedOneTimeKeysIsDeterministic(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	keys, err := acct.PublishOneTimeKeys(10)
	if err != nil {
		t.Fatalf("PublishOneTimeKeys() error = %v", err)
	}

	first := SortedOneTimeKeys(keys)
	if len(first) != 10 {
		t.Fatalf("SortedOneTimeKeys() length = %d, want 10", len(first))
	}
	for i := 0; i < 50; i++ {
		again := SortedOneTimeKeys(keys)
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("SortedOneTimeKeys() order differs between calls at index %d", j)
			}
		}
	}
}

func TestEncodingRoundTrips(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	pub := alice.IdentityPublic()

	encoded := EncodePublic(pub)
	decoded, err := DecodePublic(encoded)
	if err != nil {
		t.Fatalf("DecodePublic() error = %v", err)
	}
	if decoded != pub {
		t.Errorf("DecodePublic(EncodePublic()) = %v, want %v", decoded, pub)
	}

	if _, err := DecodePublic("not base64!!"); err == nil {
		t.Errorf("DecodePublic(invalid) succeeded, want error")
	}
	if _, err := DecodePublic(EncodeBytes([]byte("too short"))); err == nil {
		t.Errorf("DecodePublic(wrong length) succeeded, want error")
	}

	h := Header{DHPublic: pub, PreviousChainLen: 1, MessageNum: 2}
	hs := EncodeHeader(h)
	hd, err := DecodeHeaderB64(hs)
	if err != nil {
		t.Fatalf("DecodeHeaderB64() error = %v", err)
	}
	if hd != h {
		t.Errorf("DecodeHeaderB64(EncodeHeader()) = %+v, want %+v", hd, h)
	}

	msg := PrekeyMessage{SenderIdentity: pub, Ephemeral: pub, OneTimeKey: pub}
	idStr, ephStr, otkStr := EncodePrekey(msg)
	decodedMsg, err := DecodePrekey(idStr, ephStr, otkStr)
	if err != nil {
		t.Fatalf("DecodePrekey() error = %v", err)
	}
	if decodedMsg != msg {
		t.Errorf("DecodePrekey(EncodePrekey()) = %+v, want %+v", decodedMsg, msg)
	}
}
