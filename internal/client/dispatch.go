package client

import (
	"log"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/peer"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/wire"
)

func (m *Manager) readLoop() error {
	for {
		env, err := m.conn.ReadEnvelope()
		if err != nil {
			return err
		}
		m.dispatchInbound(env)
	}
}

// dispatchInbound implements the per-msg_id inbound handler table.
// Unknown ids are logged and dropped; the switch handles only the ids
// a client receives, so reaching default means a valid id that has no
// client-side handler (a handshake or client-to-relay id, or the
// reserved SHARE_CONTACTS).
func (m *Manager) dispatchInbound(env codec.Envelope) {
	switch env.Header.MsgID {
	case wire.UserMessage:
		m.handleUserMessage(env)
	case wire.PeerHello:
		m.handlePeerHello(env)
	case wire.SessionEstablished:
		m.handleSessionEstablished(env)
	case wire.PeerLogin:
		m.handlePeerLogin(env)
	case wire.PeerLogout:
		m.handlePeerLogout(env)
	case wire.ShareFriend:
		m.handleShareFriend(env)
	case wire.AckMessageDelivered, wire.NackMessageNotDelivered:
		m.downstreamSys <- SystemEvent{MsgID: env.Header.MsgID, Payload: env.Payload}
	case wire.ReplenishOneTimeKeysReq:
		m.handleReplenishRequest(env)
	case wire.GetOneTimeKeyResp:
		m.handleGetOneTimeKeyResp(env)
	case wire.ActiveFriends:
		m.handleActiveFriends(env)
	default:
		log.Printf("client: dropping envelope with unexpected msg_id %s", env.Header.MsgID)
	}
}

func (m *Manager) handleUserMessage(env codec.Envelope) {
	session, ok := m.table.Session(env.Header.Sender)
	if !ok {
		log.Printf("client: USER_MESSAGE from %s with no active session", env.Header.Sender)
		return
	}

	plaintext, err := m.decryptField(session, env, "text")
	if err != nil {
		m.failUserMessage(env)
		return
	}

	// Echo the cookie back so the sender can mark the message delivered.
	cookie, _ := env.Payload["cookie"].(string)
	m.upstream <- upstreamIntent{
		receiver: env.Header.Sender,
		msgID:    wire.AckMessageDelivered,
		payload:  map[string]interface{}{"cookie": cookie},
	}

	m.downstreamUser <- DeliveredMessage{Sender: env.Header.Sender, Text: string(plaintext)}
}

// failUserMessage queues the nack first and resets second. The reset
// takes effect at once, before the writer has sent the nack; the nack
// carries no encrypted field, so building it does not use the session.
// The reset is followed by a one-time key request so a fresh ratchet
// can be built.
func (m *Manager) failUserMessage(env codec.Envelope) {
	cookie, _ := env.Payload["cookie"].(string)
	m.upstream <- upstreamIntent{
		receiver: env.Header.Sender,
		msgID:    wire.NackMessageNotDelivered,
		payload: map[string]interface{}{
			"message_target": m.SelfID,
			"msg_id":         string(wire.UserMessage),
			"extra":          cookie,
			"reason":         "decryption failed",
		},
	}
	m.table.Reset(env.Header.Sender)
	m.requestOneTimeKey(env.Header.Sender)
}

// requestOneTimeKey asks the relay for a fresh bundle for peerID,
// re-seeding the peer table after a reset.
func (m *Manager) requestOneTimeKey(peerID string) {
	m.upstream <- upstreamIntent{
		msgID:   wire.GetOneTimeKeyReq,
		payload: map[string]interface{}{"peer": peerID},
	}
}

func (m *Manager) handlePeerHello(env codec.Envelope) {
	identityStr, ierr := codec.PayloadString(env, "identity_key")
	ephemeralStr, eerr := codec.PayloadString(env, "ephemeral")
	oneTimeStr, oerr := codec.PayloadString(env, "one_time_key")
	if ierr != nil || eerr != nil || oerr != nil {
		log.Printf("client: malformed PEER_HELLO from %s", env.Header.Sender)
		return
	}
	prekey, err := ratchet.DecodePrekey(identityStr, ephemeralStr, oneTimeStr)
	if err != nil {
		log.Printf("client: malformed PEER_HELLO prekey from %s: %v", env.Header.Sender, err)
		return
	}
	magicHeader, magicCiphertext, err := m.decodeEncryptedField(env, "magic")
	if err != nil {
		log.Printf("client: malformed PEER_HELLO magic from %s: %v", env.Header.Sender, err)
		return
	}

	ignore, sendEstablished, alreadyEstablished, buffered, err := m.table.AcceptInboundHello(env.Header.Sender, m.account, prekey, magicHeader, magicCiphertext)
	if err != nil {
		m.failPeerHello(env.Header.Sender)
		return
	}
	if alreadyEstablished {
		m.upstream <- upstreamIntent{
			receiver: env.Header.Sender,
			msgID:    wire.NackMessageNotDelivered,
			payload: map[string]interface{}{
				"message_target": m.SelfID,
				"msg_id":         string(wire.PeerHello),
				"extra":          "",
				"reason":         "session already established",
			},
		}
		return
	}
	if ignore {
		return
	}
	if sendEstablished {
		m.sendSessionEstablished(env.Header.Sender)
		m.flush(env.Header.Sender, buffered)
	}
}

func (m *Manager) failPeerHello(sender string) {
	m.upstream <- upstreamIntent{
		receiver: sender,
		msgID:    wire.NackMessageNotDelivered,
		payload: map[string]interface{}{
			"message_target": m.SelfID,
			"msg_id":         string(wire.PeerHello),
			"extra":          "",
			"reason":         "handshake failed",
		},
	}
	m.table.Reset(sender)
	m.requestOneTimeKey(sender)
}

func (m *Manager) sendSessionEstablished(peerID string) {
	session, ok := m.table.Session(peerID)
	if !ok {
		return
	}
	header, ciphertext, err := session.Encrypt([]byte(wire.HandshakeMagic))
	if err != nil {
		log.Printf("client: encrypt SESSION_ESTABLISHED magic for %s: %v", peerID, err)
		return
	}
	m.upstream <- upstreamIntent{
		receiver: peerID,
		msgID:    wire.SessionEstablished,
		payload: map[string]interface{}{
			"magic":        ratchet.EncodeBytes(ciphertext),
			"magic_header": ratchet.EncodeHeader(header),
		},
	}
}

func (m *Manager) handleSessionEstablished(env codec.Envelope) {
	header, ciphertext, err := m.decodeEncryptedField(env, "magic")
	if err != nil {
		m.failPeerHello(env.Header.Sender)
		return
	}
	buffered, err := m.table.CompleteOutbound(env.Header.Sender, header, ciphertext)
	if err != nil {
		m.failPeerHello(env.Header.Sender)
		return
	}
	m.flush(env.Header.Sender, buffered)
}

// flush re-submits buffered messages in submission order once a
// session activates.
func (m *Manager) flush(peerID string, buffered []peer.BufferedMessage) {
	for _, b := range buffered {
		m.upstream <- upstreamIntent{
			receiver: peerID,
			msgID:    wire.UserMessage,
			text:     b.Text,
			payload:  map[string]interface{}{"cookie": b.Cookie},
		}
	}
}

// handlePeerLogout drops the peer-session record; any future message to
// this peer starts over from key discovery.
func (m *Manager) handlePeerLogout(env codec.Envelope) {
	if peerID, err := codec.PayloadString(env, "peer"); err == nil {
		m.table.Reset(peerID)
	}
	m.downstreamSys <- SystemEvent{MsgID: env.Header.MsgID, Payload: env.Payload}
}

func (m *Manager) handleShareFriend(env codec.Envelope) {
	session, ok := m.table.Session(env.Header.Sender)
	if !ok {
		log.Printf("client: SHARE_FRIEND from %s with no active session", env.Header.Sender)
		return
	}
	name, err := m.decryptField(session, env, "name")
	if err != nil {
		log.Printf("client: SHARE_FRIEND decrypt from %s: %v", env.Header.Sender, err)
		return
	}
	m.downstreamSys <- SystemEvent{
		MsgID:   env.Header.MsgID,
		Payload: map[string]interface{}{"name": string(name)},
	}
}

func (m *Manager) handlePeerLogin(env codec.Envelope) {
	peerID, err := codec.PayloadString(env, "peer")
	if err != nil {
		log.Printf("client: malformed PEER_LOGIN: %v", err)
		return
	}
	learned := false
	if idkStr, ok := env.Payload["identity_key"].(string); ok {
		if otkStr, ok := env.Payload["one_time_key"].(string); ok {
			idk, ierr := ratchet.DecodePublic(idkStr)
			otk, oerr := ratchet.DecodePublic(otkStr)
			if ierr == nil && oerr == nil {
				m.table.Learn(peerID, peer.Bundle{IdentityKey: idk, OneTimeKey: otk})
				learned = true
			}
		}
	}
	if !learned {
		// No usable prekey in the notification: ask the relay for one.
		m.requestOneTimeKey(peerID)
	}
	m.downstreamSys <- SystemEvent{MsgID: env.Header.MsgID, Payload: env.Payload}
}

func (m *Manager) handleActiveFriends(env codec.Envelope) {
	friends, ok := env.Payload["friends"].(map[string]interface{})
	if ok {
		for peerID, raw := range friends {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			idkStr, iok := entry["identity_key"].(string)
			otkStr, ook := entry["one_time_key"].(string)
			if !iok || !ook {
				m.requestOneTimeKey(peerID)
				continue
			}
			idk, ierr := ratchet.DecodePublic(idkStr)
			otk, oerr := ratchet.DecodePublic(otkStr)
			if ierr == nil && oerr == nil {
				m.table.Learn(peerID, peer.Bundle{IdentityKey: idk, OneTimeKey: otk})
			}
		}
	}
	m.downstreamSys <- SystemEvent{MsgID: env.Header.MsgID, Payload: env.Payload}
}

// handleGetOneTimeKeyResp re-seeds the peer table with the vended
// bundle so a fresh outbound session can be started. A response with an
// empty one_time_key means the peer's pool is exhausted; the event is
// still surfaced so the UI can report the peer as unavailable.
func (m *Manager) handleGetOneTimeKeyResp(env codec.Envelope) {
	peerID, err := codec.PayloadString(env, "peer")
	if err != nil {
		log.Printf("client: malformed GET_ONE_TIME_KEY_RESP: %v", err)
		return
	}
	found, _ := env.Payload["found"].(bool)
	idkStr, _ := env.Payload["identity_key"].(string)
	otkStr, _ := env.Payload["one_time_key"].(string)
	if found && idkStr != "" && otkStr != "" {
		idk, ierr := ratchet.DecodePublic(idkStr)
		otk, oerr := ratchet.DecodePublic(otkStr)
		if ierr == nil && oerr == nil {
			m.table.Learn(peerID, peer.Bundle{IdentityKey: idk, OneTimeKey: otk})
		}
	}
	m.downstreamSys <- SystemEvent{MsgID: env.Header.MsgID, Payload: env.Payload}
}

func (m *Manager) handleReplenishRequest(env codec.Envelope) {
	countF, ok := env.Payload["count"].(float64)
	if !ok {
		log.Printf("client: malformed REPLENISH_ONE_TIME_KEYS_REQ")
		return
	}
	count := int(countF)
	keys, err := m.account.PublishOneTimeKeys(count)
	if err != nil {
		log.Printf("client: publish one-time keys: %v", err)
		return
	}
	m.account.MarkPublished()

	encoded := make([]interface{}, 0, len(keys))
	for _, pub := range ratchet.SortedOneTimeKeys(keys) {
		encoded = append(encoded, ratchet.EncodePublic(pub))
	}
	m.upstream <- upstreamIntent{
		msgID:   wire.ReplenishOneTimeKeysResp,
		payload: map[string]interface{}{"keys": encoded},
	}
}

// decryptField decrypts the named payload field (with its "<field>_header"
// companion) against session, returning plaintext.
func (m *Manager) decryptField(session *ratchet.State, env codec.Envelope, field string) ([]byte, error) {
	header, ciphertext, err := m.decodeEncryptedField(env, field)
	if err != nil {
		return nil, err
	}
	return session.Decrypt(header, ciphertext)
}

func (m *Manager) decodeEncryptedField(env codec.Envelope, field string) (ratchet.Header, []byte, error) {
	fieldStr, err := codec.PayloadString(env, field)
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	headerStr, err := codec.PayloadString(env, field+"_header")
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	header, err := ratchet.DecodeHeaderB64(headerStr)
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	ciphertext, err := ratchet.DecodeBytes(fieldStr)
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	return header, ciphertext, nil
}
