package relay

import (
	"context"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/wire"
)

// Downstream drains a session's event queue and writes each event to
// the connection as an envelope. It is the queue's single consumer;
// the session's own Conn is assumed safe for one writer.
type Downstream struct {
	session *Session
}

// NewDownstream binds a downstream writer to an admitted session.
func NewDownstream(session *Session) *Downstream {
	return &Downstream{session: session}
}

// Run blocks translating events into envelopes until a write fails or
// ctx is canceled (its upstream counterpart died).
func (d *Downstream) Run(ctx context.Context) error {
	for {
		var event Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event = <-d.session.Events():
		}
		env, ok := translate(d.session.UserID, event)
		if !ok {
			continue
		}
		if err := d.session.Conn.WriteEnvelope(env); err != nil {
			return err
		}
	}
}

// BuildActiveFriendsEnvelope turns the bundle map Router.Admit returns
// into the single ACTIVE_FRIENDS envelope sent once at login.
func BuildActiveFriendsEnvelope(selfID string, active map[string]Bundle) codec.Envelope {
	friends := make(map[string]interface{}, len(active))
	for peer, bundle := range active {
		entry := map[string]interface{}{}
		if bundle.HasOneTime {
			entry["identity_key"] = ratchet.EncodePublic(bundle.IdentityKey)
			entry["one_time_key"] = ratchet.EncodePublic(bundle.OneTimeKey)
		}
		friends[peer] = entry
	}
	return codec.Envelope{
		Header:  codec.Header{Sender: "", Receiver: selfID, MsgID: wire.ActiveFriends},
		Payload: map[string]interface{}{"friends": friends},
	}
}

// translate converts an internal Event into its wire-format envelope.
func translate(selfID string, event Event) (codec.Envelope, bool) {
	switch e := event.(type) {
	case MessageEvent:
		return e.Envelope, true

	case LoginEvent:
		payload := map[string]interface{}{
			"peer": e.Peer,
		}
		if e.Bundle.HasOneTime {
			payload["identity_key"] = ratchet.EncodePublic(e.Bundle.IdentityKey)
			payload["one_time_key"] = ratchet.EncodePublic(e.Bundle.OneTimeKey)
		}
		return codec.Envelope{
			Header:  codec.Header{Sender: "", Receiver: selfID, MsgID: wire.PeerLogin},
			Payload: payload,
		}, true

	case LogoutEvent:
		return codec.Envelope{
			Header:  codec.Header{Sender: "", Receiver: selfID, MsgID: wire.PeerLogout},
			Payload: map[string]interface{}{"peer": e.Peer},
		}, true

	case ReplenishEvent:
		return codec.Envelope{
			Header:  codec.Header{Sender: "", Receiver: selfID, MsgID: wire.ReplenishOneTimeKeysReq},
			Payload: map[string]interface{}{"count": e.Count},
		}, true

	default:
		return codec.Envelope{}, false
	}
}
