// Package client implements the peer-side session manager: the single
// owner of the socket, the outbound encryption pipeline, and the
// inbound dispatch table that drives the per-peer state machine in
// internal/peer.
package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/peer"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/wire"
)

// Conn is the transport surface the session manager drives; satisfied
// by internal/transport's WebSocket connector.
type Conn interface {
	ReadEnvelope() (codec.Envelope, error)
	WriteEnvelope(codec.Envelope) error
	Close() error
}

// DeliveredMessage is a decrypted inbound USER_MESSAGE handed to the UI
// via DownstreamUser.
type DeliveredMessage struct {
	Sender string
	Text   string
}

// SystemEvent is any non-user-message inbound envelope handed to the UI
// via downstream_system: logins, logouts, acks, nacks, friend shares.
type SystemEvent struct {
	MsgID   wire.MsgID
	Payload map[string]interface{}
}

// upstreamIntent is what a UI submits to the manager; building the
// actual wire envelope depends on the receiver's current peer-session
// state, so the manager — not the caller — owns that translation.
type upstreamIntent struct {
	receiver string
	msgID    wire.MsgID
	payload  map[string]interface{}
	text     string // plaintext to encrypt for USER_MESSAGE
}

// Manager is the client's single-task owner of the socket.
type Manager struct {
	SelfID string

	conn    Conn
	account *ratchet.Account
	table   *peer.Table

	upstream       chan upstreamIntent
	downstreamUser chan DeliveredMessage
	downstreamSys  chan SystemEvent
}

// upstreamQueueCapacity bounds the outbound queue; a UI that outpaces
// the writer blocks in SendUserMessage (or any other submitting call)
// rather than growing memory unboundedly.
const upstreamQueueCapacity = 64

// NewManager creates a session manager for an already-handshaken
// connection.
func NewManager(selfID string, conn Conn, account *ratchet.Account) *Manager {
	return &Manager{
		SelfID:         selfID,
		conn:           conn,
		account:        account,
		table:          peer.NewTable(selfID),
		upstream:       make(chan upstreamIntent, upstreamQueueCapacity),
		downstreamUser: make(chan DeliveredMessage, upstreamQueueCapacity),
		downstreamSys:  make(chan SystemEvent, upstreamQueueCapacity),
	}
}

// DownstreamUser exposes decrypted user messages to the UI.
func (m *Manager) DownstreamUser() <-chan DeliveredMessage { return m.downstreamUser }

// DownstreamSystem exposes control-plane events to the UI.
func (m *Manager) DownstreamSystem() <-chan SystemEvent { return m.downstreamSys }

// Run drives the writer and reader tasks until either fails; both are
// cancelled together on disconnect.
func (m *Manager) Run() error {
	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error { return m.writeLoop(ctx) })
	group.Go(m.readLoop)
	go func() {
		// A failed writer leaves the reader blocked in ReadEnvelope;
		// closing the connection unblocks it so both halves stop.
		<-ctx.Done()
		_ = m.conn.Close()
	}()
	err := group.Wait()
	close(m.downstreamUser)
	close(m.downstreamSys)
	return err
}

// SendServerDirected submits a server-directed control envelope
// (receiver = ∅), e.g. AddFriend or RequestLogoutNotif.
func (m *Manager) SendServerDirected(msgID wire.MsgID, payload map[string]interface{}) {
	m.upstream <- upstreamIntent{msgID: msgID, payload: payload}
}

// computeCookie derives SHA-256(receiver ∥ text ∥ timestamp ∥ nonce),
// letting the UI correlate delivery state without server-side
// receipts.
func computeCookie(receiver, text string, timestamp int64) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(receiver))
	h.Write([]byte(text))
	fmt.Fprintf(h, "%d", timestamp)
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SendUserMessage submits a user message to receiver. The call returns
// once the intent is queued, not once it reaches the wire; delivery
// outcome arrives asynchronously as an ack or nack on
// DownstreamSystem.
func (m *Manager) SendUserMessage(receiver, text string) (cookie string, err error) {
	cookie, err = computeCookie(receiver, text, time.Now().UnixNano())
	if err != nil {
		return "", err
	}
	m.upstream <- upstreamIntent{receiver: receiver, msgID: wire.UserMessage, text: text, payload: map[string]interface{}{"cookie": cookie}}
	return cookie, nil
}

// ShareFriend introduces a friend to receiver by name; the name travels
// end-to-end encrypted and so requires an Active session with receiver.
func (m *Manager) ShareFriend(receiver, friendName string) {
	m.upstream <- upstreamIntent{receiver: receiver, msgID: wire.ShareFriend, text: friendName}
}

// LearnPeer records a peer's key bundle the first time it becomes
// known (login notification, active-friends list, or explicit key
// fetch).
func (m *Manager) LearnPeer(peerID string, bundle peer.Bundle) {
	m.table.Learn(peerID, bundle)
}

func (m *Manager) writeLoop(ctx context.Context) error {
	for {
		var intent upstreamIntent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent = <-m.upstream:
		}
		env, err := m.buildOutbound(intent)
		if err != nil {
			log.Printf("client: dropping outbound to %s: %v", intent.receiver, err)
			continue
		}
		if env == nil {
			continue // buffered pending a handshake, nothing to send yet
		}
		if err := m.conn.WriteEnvelope(*env); err != nil {
			return err
		}
	}
}

// buildOutbound implements the outbound pipeline: stamp the sender,
// pass server-directed envelopes through unchanged, and otherwise
// dispatch on the peer's current state.
func (m *Manager) buildOutbound(intent upstreamIntent) (*codec.Envelope, error) {
	if intent.receiver == "" {
		return &codec.Envelope{
			Header:  codec.Header{Sender: m.SelfID, Receiver: "", MsgID: intent.msgID},
			Payload: intent.payload,
		}, nil
	}

	switch intent.msgID {
	case wire.UserMessage:
		return m.dispatchUserMessage(intent)
	case wire.ShareFriend:
		return m.buildShareFriend(intent)
	default:
		return &codec.Envelope{
			Header:  codec.Header{Sender: m.SelfID, Receiver: intent.receiver, MsgID: intent.msgID},
			Payload: intent.payload,
		}, nil
	}
}

// buildShareFriend encrypts the shared friend's name. Unlike user
// messages, a share is not buffered through a handshake; it needs an
// already-Active session.
func (m *Manager) buildShareFriend(intent upstreamIntent) (*codec.Envelope, error) {
	session, ok := m.table.Session(intent.receiver)
	if !ok {
		return nil, peer.ErrNoRecord
	}
	header, ciphertext, err := session.Encrypt([]byte(intent.text))
	if err != nil {
		return nil, err
	}
	return &codec.Envelope{
		Header: codec.Header{Sender: m.SelfID, Receiver: intent.receiver, MsgID: wire.ShareFriend},
		Payload: map[string]interface{}{
			"name":        ratchet.EncodeBytes(ciphertext),
			"name_header": ratchet.EncodeHeader(header),
		},
	}, nil
}

func (m *Manager) dispatchUserMessage(intent upstreamIntent) (*codec.Envelope, error) {
	state := m.table.State(intent.receiver)
	switch state {
	case peer.StateActive:
		session, ok := m.table.Session(intent.receiver)
		if !ok {
			return nil, peer.ErrNoRecord
		}
		header, ciphertext, err := session.Encrypt([]byte(intent.text))
		if err != nil {
			return nil, err
		}
		payload := map[string]interface{}{
			"cookie":      intent.payload["cookie"],
			"text":        ratchet.EncodeBytes(ciphertext),
			"text_header": ratchet.EncodeHeader(header),
		}
		return &codec.Envelope{
			Header:  codec.Header{Sender: m.SelfID, Receiver: intent.receiver, MsgID: wire.UserMessage},
			Payload: payload,
		}, nil

	case peer.StatePotential:
		cookie, _ := intent.payload["cookie"].(string)
		prekey, magicHeader, magicCiphertext, err := m.table.BeginOutbound(intent.receiver, m.account, intent.text, cookie)
		if err != nil {
			return nil, err
		}
		identityStr, ephemeralStr, oneTimeStr := ratchet.EncodePrekey(prekey)
		payload := map[string]interface{}{
			"identity_key": identityStr,
			"ephemeral":    ephemeralStr,
			"one_time_key": oneTimeStr,
			"magic":        ratchet.EncodeBytes(magicCiphertext),
			"magic_header": ratchet.EncodeHeader(magicHeader),
		}
		return &codec.Envelope{
			Header:  codec.Header{Sender: m.SelfID, Receiver: intent.receiver, MsgID: wire.PeerHello},
			Payload: payload,
		}, nil

	case peer.StatePending:
		cookie, _ := intent.payload["cookie"].(string)
		_, _, _, err := m.table.BeginOutbound(intent.receiver, m.account, intent.text, cookie)
		if err != peer.ErrAlreadyPending {
			return nil, err
		}
		return nil, nil // buffered; no envelope to send yet

	default:
		return nil, peer.ErrNoRecord
	}
}
