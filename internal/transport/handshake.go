package transport

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/identity"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/schnorr"
	"github.com/zentalk/cans-relay/internal/wire"
)

// envConn is the minimal read/write surface the handshake needs; both
// wsConn and test fakes satisfy it.
type envConn interface {
	ReadEnvelope() (codec.Envelope, error)
	WriteEnvelope(codec.Envelope) error
}

// HandshakeResult is everything the relay learns about a peer once
// Schnorr identification and the piggy-backed ratchet bootstrap
// succeed.
type HandshakeResult struct {
	UserID        string
	Subscriptions []string
	IdentityKey   ratchet.DHPublic
	OneTimeKeys   []ratchet.DHPublic
}

func encodeBigInt(i *big.Int) string {
	return base64.StdEncoding.EncodeToString(i.Bytes())
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// ServerHandshake runs the verifier side of Schnorr identification and
// consumes the response's piggy-backed subscription set and ratchet
// bundle. The returned error is one of codec.ErrMalformed,
// schnorr.ErrVerificationFailed, or a plain transport error; the caller
// maps each to its close code.
func ServerHandshake(conn envConn) (HandshakeResult, error) {
	commitEnv, err := conn.ReadEnvelope()
	if err != nil {
		return HandshakeResult{}, err
	}
	if commitEnv.Header.MsgID != wire.SchnorrCommit {
		return HandshakeResult{}, fmt.Errorf("%w: expected SCHNORR_COMMIT", codec.ErrMalformed)
	}
	pubPEM, err := codec.PayloadString(commitEnv, "public_key")
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	commitPEM, err := codec.PayloadString(commitEnv, "commitment")
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	pub, err := identity.PublicKeyFromPEM([]byte(pubPEM))
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	r, err := identity.PublicKeyFromPEM([]byte(commitPEM))
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}

	challenge, err := schnorr.Challenge()
	if err != nil {
		return HandshakeResult{}, err
	}
	if err := conn.WriteEnvelope(codec.Envelope{
		Header:  codec.Header{Sender: "", Receiver: "", MsgID: wire.SchnorrChallenge},
		Payload: map[string]interface{}{"challenge": encodeBigInt(challenge)},
	}); err != nil {
		return HandshakeResult{}, err
	}

	respEnv, err := conn.ReadEnvelope()
	if err != nil {
		return HandshakeResult{}, err
	}
	if respEnv.Header.MsgID != wire.SchnorrResponse {
		return HandshakeResult{}, fmt.Errorf("%w: expected SCHNORR_RESPONSE", codec.ErrMalformed)
	}
	responseStr, err := codec.PayloadString(respEnv, "response")
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	response, err := decodeBigInt(responseStr)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}

	if err := schnorr.Verify(pub, r, challenge, response); err != nil {
		return HandshakeResult{}, err
	}

	result, err := parseBundle(respEnv, pubPEM)
	if err != nil {
		return HandshakeResult{}, err
	}
	return result, nil
}

func parseBundle(respEnv codec.Envelope, pubPEM string) (HandshakeResult, error) {
	userID, err := identity.UserIDFromPEM([]byte(pubPEM))
	if err != nil {
		return HandshakeResult{}, err
	}

	idkStr, err := codec.PayloadString(respEnv, "identity_key")
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	idk, err := ratchet.DecodePublic(idkStr)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}

	subsRaw, ok := respEnv.Payload["subscriptions"].([]interface{})
	if !ok {
		return HandshakeResult{}, fmt.Errorf("%w: missing subscriptions", codec.ErrMalformed)
	}
	subs := make([]string, 0, len(subsRaw))
	for _, s := range subsRaw {
		str, ok := s.(string)
		if !ok {
			return HandshakeResult{}, fmt.Errorf("%w: subscription entry not a string", codec.ErrMalformed)
		}
		subs = append(subs, str)
	}

	keysRaw, ok := respEnv.Payload["one_time_keys"].([]interface{})
	if !ok {
		return HandshakeResult{}, fmt.Errorf("%w: missing one_time_keys", codec.ErrMalformed)
	}
	keys := make([]ratchet.DHPublic, 0, len(keysRaw))
	for _, k := range keysRaw {
		str, ok := k.(string)
		if !ok {
			return HandshakeResult{}, fmt.Errorf("%w: one_time_key entry not a string", codec.ErrMalformed)
		}
		dk, err := ratchet.DecodePublic(str)
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
		}
		keys = append(keys, dk)
	}

	return HandshakeResult{UserID: userID, Subscriptions: subs, IdentityKey: idk, OneTimeKeys: keys}, nil
}

// ClientHandshake runs the prover side: commit, answer the relay's
// challenge, and piggy-back the ratchet bootstrap bundle on the
// response.
func ClientHandshake(conn envConn, id *identity.KeyPair, account *ratchet.Account, subscriptions []string, oneTimeKeyCount int) error {
	pubPEM, err := identity.PublicKeyToPEM(&id.Private.PublicKey)
	if err != nil {
		return err
	}

	commitment, err := schnorr.NewCommitment(id.Private)
	if err != nil {
		return err
	}
	rPEM, err := identity.PublicKeyToPEM(commitment.R)
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(codec.Envelope{
		Header: codec.Header{Sender: "", Receiver: "", MsgID: wire.SchnorrCommit},
		Payload: map[string]interface{}{
			"public_key": string(pubPEM),
			"commitment": string(rPEM),
		},
	}); err != nil {
		return err
	}

	challengeEnv, err := conn.ReadEnvelope()
	if err != nil {
		return err
	}
	if challengeEnv.Header.MsgID != wire.SchnorrChallenge {
		return fmt.Errorf("%w: expected SCHNORR_CHALLENGE", codec.ErrMalformed)
	}
	challengeStr, err := codec.PayloadString(challengeEnv, "challenge")
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	challenge, err := decodeBigInt(challengeStr)
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}

	response := schnorr.Respond(commitment, id.Private, challenge)

	otks, err := account.PublishOneTimeKeys(oneTimeKeyCount)
	if err != nil {
		return err
	}
	account.MarkPublished()
	encodedKeys := make([]string, 0, len(otks))
	for _, pub := range ratchet.SortedOneTimeKeys(otks) {
		encodedKeys = append(encodedKeys, ratchet.EncodePublic(pub))
	}

	subsPayload := make([]interface{}, len(subscriptions))
	for i, s := range subscriptions {
		subsPayload[i] = s
	}
	keysPayload := make([]interface{}, len(encodedKeys))
	for i, k := range encodedKeys {
		keysPayload[i] = k
	}

	return conn.WriteEnvelope(codec.Envelope{
		Header: codec.Header{Sender: "", Receiver: "", MsgID: wire.SchnorrResponse},
		Payload: map[string]interface{}{
			"response":      encodeBigInt(response),
			"subscriptions": subsPayload,
			"identity_key":  ratchet.EncodePublic(account.IdentityPublic()),
			"one_time_keys": keysPayload,
		},
	})
}
