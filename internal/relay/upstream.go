package relay

import (
	"errors"
	"fmt"
	"log"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/wire"
)

// ClosedConnError lets an upstream loop tell its caller which close code
// to send before tearing down the socket.
type ClosedConnError struct {
	Code   wire.CloseCode
	Reason string
}

func (e *ClosedConnError) Error() string {
	return fmt.Sprintf("relay: closing connection (%s): %s", e.Code, e.Reason)
}

// Upstream drains envelopes from a session's connection, forwarding
// routable messages and acting on in-relay commands. It owns the
// connection's read loop
// for as long as the session lives; Downstream owns the write side.
type Upstream struct {
	router  *Router
	session *Session
}

// NewUpstream binds an upstream handler to an admitted session.
func NewUpstream(router *Router, session *Session) *Upstream {
	return &Upstream{router: router, session: session}
}

// Run blocks reading envelopes until the connection errs or is closed.
// It returns a *ClosedConnError when the relay itself decided to close
// the connection (spoofing, malformed message); a plain error otherwise
// indicates the transport failed on its own.
func (u *Upstream) Run() error {
	for {
		env, err := u.session.Conn.ReadEnvelope()
		if errors.Is(err, codec.ErrMalformed) {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		if err != nil {
			return err
		}
		if err := u.handle(env); err != nil {
			return err
		}
	}
}

func (u *Upstream) handle(env codec.Envelope) error {
	// Spoofing check: an authenticated connection may only claim its own
	// user id as sender on any envelope it forwards. Spoofing closes the
	// connection as a MalformedMessage, not an AuthFailure.
	if env.Header.Sender != "" && env.Header.Sender != u.session.UserID {
		return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: "sender does not match session identity"}
	}

	switch env.Header.MsgID {
	case wire.UserMessage, wire.PeerHello, wire.SessionEstablished,
		wire.AckMessageDelivered, wire.NackMessageNotDelivered, wire.ShareFriend:
		env.Header.Sender = u.session.UserID
		u.router.Route(env)
		return nil

	case wire.AddFriend:
		target, err := codec.PayloadString(env, "friend")
		if err != nil {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		if err := u.router.AddSubscription(u.session.UserID, target); err != nil {
			log.Printf("relay: add subscription %s -> %s: %v", u.session.UserID, target, err)
		}
		return nil

	case wire.RemoveFriend:
		target, err := codec.PayloadString(env, "friend")
		if err != nil {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		if err := u.router.RemoveSubscription(u.session.UserID, target); err != nil {
			log.Printf("relay: remove subscription %s -> %s: %v", u.session.UserID, target, err)
		}
		return nil

	case wire.RequestLogoutNotif:
		target, err := codec.PayloadString(env, "peer")
		if err != nil {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		u.router.WatchLogout(u.session.UserID, target)
		return nil

	case wire.ReplenishOneTimeKeysResp:
		keys, err := decodeKeyList(env)
		if err != nil {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		u.router.Replenish(u.session.UserID, keys)
		return nil

	case wire.GetOneTimeKeyReq:
		subject, err := codec.PayloadString(env, "peer")
		if err != nil {
			return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: err.Error()}
		}
		bundle, err := u.router.VendBundle(subject)
		resp := codec.Envelope{
			Header: codec.Header{Sender: "", Receiver: u.session.UserID, MsgID: wire.GetOneTimeKeyResp},
			Payload: map[string]interface{}{
				"peer": subject,
			},
		}
		switch err {
		case nil:
			resp.Payload["identity_key"] = ratchet.EncodePublic(bundle.IdentityKey)
			resp.Payload["one_time_key"] = ratchet.EncodePublic(bundle.OneTimeKey)
			resp.Payload["found"] = true
		case ErrKeyExhausted:
			resp.Payload["identity_key"] = ratchet.EncodePublic(bundle.IdentityKey)
			resp.Payload["one_time_key"] = ""
			resp.Payload["found"] = true
		default:
			resp.Payload["found"] = false
		}
		u.session.Enqueue(MessageEvent{Envelope: resp})
		return nil

	case wire.AddBlacklist, wire.RemoveBlacklist:
		// Blacklist membership is an application-layer concern the relay
		// does not enforce; accepted so a well-behaved peer isn't left
		// hanging, but no relay state changes.
		return nil

	default:
		return &ClosedConnError{Code: wire.CloseMalformedMessage, Reason: "unexpected msg_id on upstream"}
	}
}

func decodeKeyList(env codec.Envelope) ([]ratchet.DHPublic, error) {
	raw, ok := env.Payload["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("relay: payload missing keys list")
	}
	out := make([]ratchet.DHPublic, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("relay: key entry not a string")
		}
		k, err := ratchet.DecodePublic(s)
		if err != nil {
			return nil, fmt.Errorf("relay: decode key: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}
