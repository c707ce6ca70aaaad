package ratchet

import (
	"encoding/base64"
	"errors"
)

var errKeyLength = errors.New("ratchet: wrong key length")

// EncodePublic/DecodePublic let callers carry a DHPublic key inside a
// JSON envelope payload as a base64 string.
func EncodePublic(k DHPublic) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func DecodePublic(s string) (DHPublic, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return DHPublic{}, err
	}
	var k DHPublic
	if len(b) != len(k) {
		return k, errKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// EncodeBytes/DecodeBytes carry a ciphertext or header blob as base64.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBytes(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeHeader/DecodeHeaderB64 carry a ratchet Header as base64.
func EncodeHeader(h Header) string {
	return EncodeBytes(h.Encode())
}

func DecodeHeaderB64(s string) (Header, error) {
	b, err := DecodeBytes(s)
	if err != nil {
		return Header{}, err
	}
	return DecodeHeader(b)
}

// EncodePrekey/DecodePrekey marshal a PrekeyMessage into envelope-safe
// base64 fields.
func EncodePrekey(m PrekeyMessage) (identity, ephemeral, oneTime string) {
	return EncodePublic(m.SenderIdentity), EncodePublic(m.Ephemeral), EncodePublic(m.OneTimeKey)
}

func DecodePrekey(identity, ephemeral, oneTime string) (PrekeyMessage, error) {
	idk, err := DecodePublic(identity)
	if err != nil {
		return PrekeyMessage{}, err
	}
	ek, err := DecodePublic(ephemeral)
	if err != nil {
		return PrekeyMessage{}, err
	}
	otk, err := DecodePublic(oneTime)
	if err != nil {
		return PrekeyMessage{}, err
	}
	return PrekeyMessage{SenderIdentity: idk, Ephemeral: ek, OneTimeKey: otk}, nil
}
