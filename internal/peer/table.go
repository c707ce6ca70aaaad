// Package peer implements the per-peer session state machine: each peer
// id is Potential, Pending, or Active, or has no record at all. The
// table is the client's single owner of every peer-session record;
// callers never get a reference they can mutate concurrently, and every
// method takes the table's lock for its duration.
package peer

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/wire"
)

// State is one of the three live session variants. The zero value,
// StateNone, is not stored; it is the absence of a record.
type State int

const (
	StateNone State = iota
	StatePotential
	StatePending
	StateActive
)

func (s State) String() string {
	switch s {
	case StatePotential:
		return "potential"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return "none"
	}
}

var (
	ErrNoRecord       = errors.New("peer: no session record")
	ErrAlreadyPending = errors.New("peer: session already pending")
	ErrAlreadyActive  = errors.New("peer: session already established")
	// ErrSessionError means ratchet decryption failed or the handshake
	// magic did not match. Recoverable: nack, reset, re-fetch keys.
	ErrSessionError = errors.New("peer: session error")
)

// Bundle is the (identity_key, one_time_key) pair a peer publishes.
type Bundle struct {
	IdentityKey ratchet.DHPublic
	OneTimeKey  ratchet.DHPublic
}

// BufferedMessage is a user message queued while Pending, in submission
// order, to be flushed once the session activates.
type BufferedMessage struct {
	Text   string
	Cookie string
}

type record struct {
	state    State
	bundle   Bundle
	session  *ratchet.State
	buffered []BufferedMessage
}

// Table is the client's map of peer id to peer-session record.
type Table struct {
	mu      sync.Mutex
	selfID  string
	records map[string]*record
}

// NewTable creates an empty table owned by the client identified by
// selfID; selfID feeds the race tie-break rule in AcceptInboundHello.
func NewTable(selfID string) *Table {
	return &Table{selfID: selfID, records: make(map[string]*record)}
}

// State reports the current state of a peer id (StateNone if absent).
func (t *Table) State(peerID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[peerID]
	if !ok {
		return StateNone
	}
	return r.state
}

// Learn stores a peer's key bundle the first time it becomes known,
// creating a Potential record. It is a no-op
// if a record already exists for peerID.
func (t *Table) Learn(peerID string, b Bundle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[peerID]; ok {
		return
	}
	t.records[peerID] = &record{state: StatePotential, bundle: b}
}

// Reset drops a peer's record entirely, used on logout, explicit reset
// after a crypto error, or disconnect.
func (t *Table) Reset(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, peerID)
}

// Session returns the peer's ratchet session, if the record is Active.
func (t *Table) Session(peerID string) (*ratchet.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[peerID]
	if !ok || r.state != StateActive {
		return nil, false
	}
	return r.session, true
}

// BeginOutbound handles the Potential → Pending transition: it
// constructs an outbound ratchet session from the peer's bundle,
// encrypts the handshake magic with it, buffers the triggering message,
// and returns the PeerHello prekey message plus the encrypted magic to
// send alongside it. magicHeader/magicCiphertext are the
// zero value whenever no new session was created (err is
// ErrAlreadyPending or ErrAlreadyActive).
func (t *Table) BeginOutbound(peerID string, account *ratchet.Account, text, cookie string) (hello ratchet.PrekeyMessage, magicHeader ratchet.Header, magicCiphertext []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[peerID]
	if !ok {
		return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, ErrNoRecord
	}

	switch r.state {
	case StatePotential:
		session, prekey, startErr := account.StartOutbound(r.bundle.IdentityKey, r.bundle.OneTimeKey)
		if startErr != nil {
			return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, fmt.Errorf("peer: start outbound: %w", startErr)
		}
		header, ciphertext, encErr := session.Encrypt([]byte(wire.HandshakeMagic))
		if encErr != nil {
			return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, fmt.Errorf("peer: encrypt handshake magic: %w", encErr)
		}
		r.session = session
		r.state = StatePending
		r.buffered = append(r.buffered, BufferedMessage{Text: text, Cookie: cookie})
		return prekey, header, ciphertext, nil
	case StatePending:
		r.buffered = append(r.buffered, BufferedMessage{Text: text, Cookie: cookie})
		return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, ErrAlreadyPending
	case StateActive:
		return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, ErrAlreadyActive
	default:
		return ratchet.PrekeyMessage{}, ratchet.Header{}, nil, ErrNoRecord
	}
}

// AcceptInboundHello handles an inbound PEER_HELLO. Outcomes depend on
// the current state:
//   - Potential: build an inbound session, verify the handshake magic,
//     transition to Active, and ask the caller to reply with
//     SessionEstablished.
//   - Pending (race): resolved by user-id ordering. If selfID is
//     lexicographically smaller, this party keeps its own outbound
//     session and the inbound hello is ignored (ignore=true,
//     sendEstablished=false). Otherwise this party forfeits its own Pending
//     session, accepts the inbound one, and flushes its buffer.
//   - Active: the peer is asking to re-establish; the caller replies
//     with a nack saying the session already exists.
func (t *Table) AcceptInboundHello(peerID string, account *ratchet.Account, hello ratchet.PrekeyMessage, magicHeader ratchet.Header, magicCiphertext []byte) (ignore bool, sendEstablished bool, alreadyEstablished bool, flush []BufferedMessage, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[peerID]
	if !ok {
		return false, false, false, nil, ErrNoRecord
	}

	switch r.state {
	case StateActive:
		return false, false, true, nil, nil
	case StatePending:
		if t.selfID < peerID {
			// We win the race: keep our own outbound Pending session.
			return true, false, false, nil, nil
		}
		// We lose: forfeit, accept inbound, carry our buffer forward.
		fallthrough
	case StatePotential:
		session, err := account.StartInbound(hello)
		if err != nil {
			return false, false, false, nil, fmt.Errorf("%w: %v", ErrSessionError, err)
		}
		plaintext, err := session.Decrypt(magicHeader, magicCiphertext)
		if err != nil || !bytes.Equal(plaintext, []byte(wire.HandshakeMagic)) {
			return false, false, false, nil, ErrSessionError
		}
		buffered := r.buffered
		r.session = session
		r.state = StateActive
		r.buffered = nil
		return false, true, false, buffered, nil
	default:
		return false, false, false, nil, ErrNoRecord
	}
}

// CompleteOutbound handles a SessionEstablished ack arriving while
// Pending: verifies the handshake magic against the outbound session
// and, on success, transitions to Active and flushes the buffer in
// submission order.
func (t *Table) CompleteOutbound(peerID string, ackHeader ratchet.Header, ackCiphertext []byte) ([]BufferedMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[peerID]
	if !ok || r.state != StatePending {
		return nil, ErrNoRecord
	}

	plaintext, err := r.session.Decrypt(ackHeader, ackCiphertext)
	if err != nil || !bytes.Equal(plaintext, []byte(wire.HandshakeMagic)) {
		return nil, ErrSessionError
	}

	buffered := r.buffered
	r.state = StateActive
	r.buffered = nil
	return buffered, nil
}
