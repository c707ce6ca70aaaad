// Package ratchet implements the double-ratchet symmetric-key state
// machine and the lightweight triple-DH handshake used to bootstrap it
// from an (identity_key, one_time_key) bundle.
//
// https://signal.org/docs/specifications/doubleratchet/
package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	rootKeyLen    = 32
	chainKeyLen   = 32
	messageKeyLen = 32

	kdfRootInfo  = "cans double-ratchet root"
	kdfChainInfo = "cans double-ratchet chain"

	// maxSkip bounds the out-of-order window the ratchet tolerates
	// before refusing to derive further skipped message keys.
	maxSkip = 1000
)

var (
	ErrDecryptFailed = errors.New("ratchet: decrypt failed")
	ErrTooManySkips  = errors.New("ratchet: too many skipped messages")
)

type (
	RootKey    [rootKeyLen]byte
	ChainKey   [chainKeyLen]byte
	MessageKey [messageKeyLen]byte
	DHPublic   [32]byte
	DHPrivate  [32]byte
)

// Header travels alongside each ciphertext so the receiver can locate
// (or derive) the right message key, including out-of-order arrivals.
type Header struct {
	DHPublic         DHPublic
	PreviousChainLen uint32
	MessageNum       uint32
}

func (h Header) Encode() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf[0:32], h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:36], h.PreviousChainLen)
	binary.BigEndian.PutUint32(buf[36:40], h.MessageNum)
	return buf
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != 40 {
		return Header{}, fmt.Errorf("ratchet: bad header length %d", len(buf))
	}
	var h Header
	copy(h.DHPublic[:], buf[0:32])
	h.PreviousChainLen = binary.BigEndian.Uint32(buf[32:36])
	h.MessageNum = binary.BigEndian.Uint32(buf[36:40])
	return h, nil
}

type skippedID struct {
	dh  DHPublic
	num uint32
}

// State is one peer session's ratchet. Exactly one owner holds a
// *State at a time; it is not re-entrant.
type State struct {
	RootKey RootKey

	sendingChainKey ChainKey
	sendingMsgNum   uint32

	receivingChainKey ChainKey
	receivingMsgNum   uint32

	dhSendingPriv DHPrivate
	dhSendingPub  DHPublic
	dhReceiving   DHPublic
	haveReceiving bool
	haveSending   bool

	previousChainLen uint32

	skipped map[skippedID]MessageKey
}

func genDH() (DHPrivate, DHPublic, error) {
	var priv DHPrivate
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, DHPublic{}, err
	}
	var pub DHPublic
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return priv, pub, nil
}

func dh(priv DHPrivate, pub DHPublic) []byte {
	var shared [32]byte
	curve25519.ScalarMult(&shared, (*[32]byte)(&priv), (*[32]byte)(&pub))
	return shared[:]
}

func kdfRK(root RootKey, dhOut []byte) (RootKey, ChainKey, error) {
	kdf := hkdf.New(sha256.New, dhOut, root[:], []byte(kdfRootInfo))
	out := make([]byte, rootKeyLen+chainKeyLen)
	if _, err := kdf.Read(out); err != nil {
		return RootKey{}, ChainKey{}, err
	}
	var nr RootKey
	var nc ChainKey
	copy(nr[:], out[:rootKeyLen])
	copy(nc[:], out[rootKeyLen:])
	return nr, nc, nil
}

func kdfCK(ck ChainKey) (ChainKey, MessageKey) {
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x01})
	mk := mac.Sum(nil)

	mac = hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x02})
	nck := mac.Sum(nil)

	var newChain ChainKey
	var msgKey MessageKey
	copy(newChain[:], nck)
	copy(msgKey[:], mk)
	return newChain, msgKey
}

func aeadEncrypt(key MessageKey, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func aeadDecrypt(key MessageKey, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// dhRatchet performs a DH ratchet step on receipt of a new remote DH
// public key.
func (s *State) dhRatchet(remote DHPublic) error {
	s.previousChainLen = s.sendingMsgNum
	s.sendingMsgNum = 0
	s.receivingMsgNum = 0
	s.dhReceiving = remote
	s.haveReceiving = true

	out := dh(s.dhSendingPriv, s.dhReceiving)
	newRoot, recvChain, err := kdfRK(s.RootKey, out)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.receivingChainKey = recvChain

	priv, pub, err := genDH()
	if err != nil {
		return err
	}
	s.dhSendingPriv, s.dhSendingPub = priv, pub

	out = dh(s.dhSendingPriv, s.dhReceiving)
	newRoot, sendChain, err := kdfRK(s.RootKey, out)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.sendingChainKey = sendChain
	s.haveSending = true
	return nil
}

// Encrypt advances the sending chain and returns the header and
// ciphertext for plaintext. The first call on the responder side of a
// fresh session performs the deferred DH ratchet step that establishes
// its sending chain.
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	if !s.haveSending {
		priv, pub, err := genDH()
		if err != nil {
			return Header{}, nil, err
		}
		s.dhSendingPriv, s.dhSendingPub = priv, pub
		out := dh(s.dhSendingPriv, s.dhReceiving)
		newRoot, sendChain, err := kdfRK(s.RootKey, out)
		if err != nil {
			return Header{}, nil, err
		}
		s.RootKey = newRoot
		s.sendingChainKey = sendChain
		s.haveSending = true
	}

	var ck ChainKey
	var mk MessageKey
	ck, mk = kdfCK(s.sendingChainKey)
	s.sendingChainKey = ck

	h := Header{
		DHPublic:         s.dhSendingPub,
		PreviousChainLen: s.previousChainLen,
		MessageNum:       s.sendingMsgNum,
	}
	s.sendingMsgNum++

	ct, err := aeadEncrypt(mk, plaintext, h.Encode())
	if err != nil {
		return Header{}, nil, err
	}
	return h, ct, nil
}

// Decrypt tolerates out-of-order ciphertext within the skipped-key
// window before advancing the receiving chain.
func (s *State) Decrypt(h Header, ciphertext []byte) ([]byte, error) {
	if mk, ok := s.trySkipped(h); ok {
		return aeadDecrypt(mk, ciphertext, h.Encode())
	}

	if !s.haveReceiving || h.DHPublic != s.dhReceiving {
		if err := s.skipMessageKeys(s.dhReceiving, s.receivingMsgNum, h.PreviousChainLen); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(h.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessageKeys(h.DHPublic, s.receivingMsgNum, h.MessageNum); err != nil {
		return nil, err
	}

	ck, mk := kdfCK(s.receivingChainKey)
	s.receivingChainKey = ck
	s.receivingMsgNum++

	return aeadDecrypt(mk, ciphertext, h.Encode())
}

func (s *State) trySkipped(h Header) (MessageKey, bool) {
	if s.skipped == nil {
		return MessageKey{}, false
	}
	id := skippedID{dh: h.DHPublic, num: h.MessageNum}
	mk, ok := s.skipped[id]
	if ok {
		delete(s.skipped, id)
	}
	return mk, ok
}

func (s *State) skipMessageKeys(remote DHPublic, from, to uint32) error {
	if to < from {
		return nil
	}
	if to-from > maxSkip {
		return ErrTooManySkips
	}
	if s.skipped == nil {
		s.skipped = make(map[skippedID]MessageKey)
	}
	ck := s.receivingChainKey
	for n := from; n < to; n++ {
		var mk MessageKey
		ck, mk = kdfCK(ck)
		s.skipped[skippedID{dh: remote, num: n}] = mk
	}
	s.receivingChainKey = ck
	return nil
}
