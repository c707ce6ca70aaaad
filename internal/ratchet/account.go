package ratchet

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "cans X3DH key agreement"

// oneTimeKey is a single published prekey, private half kept until
// consumed by an inbound handshake.
type oneTimeKey struct {
	id   uint64
	priv DHPrivate
	pub  DHPublic
}

// Account is the ratchet adapter's long-lived identity: a DH identity
// key pair plus a pool of one-time prekeys. The *State values it starts
// or accepts are handed to the caller; the Account keeps no reference
// to them.
type Account struct {
	mu sync.Mutex

	identityPriv DHPrivate
	identityPub  DHPublic

	nextKeyID uint64
	pending   []oneTimeKey // generated by PublishOneTimeKeys, not yet committed
	pool      []oneTimeKey // committed by MarkPublished, consumable by StartInbound
}

// NewAccount generates a fresh identity key pair.
func NewAccount() (*Account, error) {
	priv, pub, err := genDH()
	if err != nil {
		return nil, err
	}
	return &Account{identityPriv: priv, identityPub: pub}, nil
}

// IdentityPublic returns the account's long-lived ratchet identity
// public key, published as part of every key bundle.
func (a *Account) IdentityPublic() DHPublic {
	return a.identityPub
}

// PublishOneTimeKeys generates n fresh one-time prekeys and returns the
// public halves to hand to the relay. The keys are not consumable from
// StartInbound until MarkPublished is called; publication is a
// two-phase act so a key never becomes consumable before the relay
// holds it.
func (a *Account) PublishOneTimeKeys(n int) (map[uint64]DHPublic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]DHPublic, n)
	for i := 0; i < n; i++ {
		priv, pub, err := genDH()
		if err != nil {
			return nil, err
		}
		id := a.nextKeyID
		a.nextKeyID++
		a.pending = append(a.pending, oneTimeKey{id: id, priv: priv, pub: pub})
		out[id] = pub
	}
	return out, nil
}

// SortedOneTimeKeys flattens a PublishOneTimeKeys result into a slice
// ordered by key id, so every serialization of the same batch puts the
// keys on the wire in the same order.
func SortedOneTimeKeys(keys map[uint64]DHPublic) []DHPublic {
	ids := make([]uint64, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]DHPublic, 0, len(ids))
	for _, id := range ids {
		out = append(out, keys[id])
	}
	return out
}

// MarkPublished commits the most recently generated one-time keys to the
// consumable pool.
func (a *Account) MarkPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pool = append(a.pool, a.pending...)
	a.pending = nil
}

// takeOneTime removes and returns the pool entry whose public half
// matches pub. The initiator names the key it agreed against, so the
// pool is indexed by public key rather than consumed in order.
func (a *Account) takeOneTime(pub DHPublic) (oneTimeKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, k := range a.pool {
		if k.pub == pub {
			a.pool = append(a.pool[:i], a.pool[i+1:]...)
			return k, true
		}
	}
	return oneTimeKey{}, false
}

// PrekeyMessage is the handshake payload a fresh outbound session must
// hand the peer so it can perform the matching inbound agreement: the
// sender's identity key, its fresh session ephemeral, and the one-time
// key it agreed against so the receiver can select the matching
// private half.
type PrekeyMessage struct {
	SenderIdentity DHPublic
	Ephemeral      DHPublic
	OneTimeKey     DHPublic
}

func combine(parts ...[]byte) []byte {
	hkdfReader := hkdf.New(sha256.New, concat(parts...), nil, []byte(x3dhInfo))
	out := make([]byte, rootKeyLen)
	if _, err := hkdfReader.Read(out); err != nil {
		panic(err) // hkdf.Read on a bounded SHA-256 reader cannot fail
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// StartOutbound begins a session toward a peer identified by its key
// bundle (identity_key, one_time_key), performing a triple-DH agreement
// and initializing the sender side of the ratchet. It returns the
// session and the prekey message to embed in the PeerHello envelope.
func (a *Account) StartOutbound(peerIdentity, peerOneTime DHPublic) (*State, PrekeyMessage, error) {
	ephemPriv, ephemPub, err := genDH()
	if err != nil {
		return nil, PrekeyMessage{}, err
	}

	dh1 := dh(a.identityPriv, peerOneTime)
	dh2 := dh(ephemPriv, peerIdentity)
	dh3 := dh(ephemPriv, peerOneTime)
	shared := combine(dh1, dh2, dh3)

	var root RootKey
	copy(root[:], shared)

	s := &State{
		RootKey:       root,
		dhSendingPriv: ephemPriv,
		dhSendingPub:  ephemPub,
		dhReceiving:   peerOneTime,
		haveReceiving: true,
		haveSending:   true,
	}
	out := dh(s.dhSendingPriv, s.dhReceiving)
	newRoot, sendChain, err := kdfRK(s.RootKey, out)
	if err != nil {
		return nil, PrekeyMessage{}, err
	}
	s.RootKey = newRoot
	s.sendingChainKey = sendChain

	return s, PrekeyMessage{SenderIdentity: a.identityPub, Ephemeral: ephemPub, OneTimeKey: peerOneTime}, nil
}

// StartInbound accepts a PeerHello's prekey message, consuming the
// published one-time key the initiator names, and initializes the
// receiver side of the ratchet.
func (a *Account) StartInbound(msg PrekeyMessage) (*State, error) {
	otk, ok := a.takeOneTime(msg.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("ratchet: no matching one-time key in pool")
	}

	dh1 := dh(otk.priv, msg.SenderIdentity)
	dh2 := dh(a.identityPriv, msg.Ephemeral)
	dh3 := dh(otk.priv, msg.Ephemeral)
	shared := combine(dh1, dh2, dh3)

	var root RootKey
	copy(root[:], shared)

	s := &State{
		RootKey:       root,
		dhSendingPriv: otk.priv,
		dhSendingPub:  otk.pub,
	}
	out := dh(s.dhSendingPriv, msg.Ephemeral)
	newRoot, recvChain, err := kdfRK(s.RootKey, out)
	if err != nil {
		return nil, err
	}
	s.RootKey = newRoot
	s.receivingChainKey = recvChain
	s.dhReceiving = msg.Ephemeral
	s.haveReceiving = true

	return s, nil
}
