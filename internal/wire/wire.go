// Package wire defines the closed vocabulary of message ids, close codes,
// and header shape shared by every envelope that crosses the relay-client
// connection.
package wire

// MsgID identifies the kind of envelope. The set is closed: any id not
// listed here is rejected as malformed rather than silently ignored.
type MsgID string

const (
	SessionEstablished       MsgID = "SESSION_ESTABLISHED"
	UserMessage              MsgID = "USER_MESSAGE"
	PeerHello                MsgID = "PEER_HELLO"
	ShareContacts            MsgID = "SHARE_CONTACTS"
	AckMessageDelivered      MsgID = "ACK_MESSAGE_DELIVERED"
	NackMessageNotDelivered  MsgID = "NACK_MESSAGE_NOT_DELIVERED"
	SchnorrCommit            MsgID = "SCHNORR_COMMIT"
	SchnorrChallenge         MsgID = "SCHNORR_CHALLENGE"
	SchnorrResponse          MsgID = "SCHNORR_RESPONSE"
	PeerLogin                MsgID = "PEER_LOGIN"
	PeerLogout               MsgID = "PEER_LOGOUT"
	AddFriend                MsgID = "ADD_FRIEND"
	RemoveFriend             MsgID = "REMOVE_FRIEND"
	RequestLogoutNotif       MsgID = "REQUEST_LOGOUT_NOTIF"
	ActiveFriends            MsgID = "ACTIVE_FRIENDS"
	ReplenishOneTimeKeysReq  MsgID = "REPLENISH_ONE_TIME_KEYS_REQ"
	ReplenishOneTimeKeysResp MsgID = "REPLENISH_ONE_TIME_KEYS_RESP"
	GetOneTimeKeyReq         MsgID = "GET_ONE_TIME_KEY_REQ"
	GetOneTimeKeyResp        MsgID = "GET_ONE_TIME_KEY_RESP"
	AddBlacklist             MsgID = "ADD_BLACKLIST"
	RemoveBlacklist          MsgID = "REMOVE_BLACKLIST"
	ShareFriend              MsgID = "SHARE_FRIEND"
)

// knownIDs is the membership test backing Valid.
var knownIDs = map[MsgID]bool{
	SessionEstablished:       true,
	UserMessage:              true,
	PeerHello:                true,
	ShareContacts:            true,
	AckMessageDelivered:      true,
	NackMessageNotDelivered:  true,
	SchnorrCommit:            true,
	SchnorrChallenge:         true,
	SchnorrResponse:          true,
	PeerLogin:                true,
	PeerLogout:               true,
	AddFriend:                true,
	RemoveFriend:             true,
	RequestLogoutNotif:       true,
	ActiveFriends:            true,
	ReplenishOneTimeKeysReq:  true,
	ReplenishOneTimeKeysResp: true,
	GetOneTimeKeyReq:         true,
	GetOneTimeKeyResp:        true,
	AddBlacklist:             true,
	RemoveBlacklist:          true,
	ShareFriend:              true,
}

// Valid reports whether id is a member of the closed message-id set.
func Valid(id MsgID) bool {
	return knownIDs[id]
}

// CloseCode is a relay-initiated WebSocket close status.
type CloseCode int

const (
	CloseAuthFailure      CloseCode = 3000
	CloseServerException  CloseCode = 3001
	CloseMalformedMessage CloseCode = 3002
)

func (c CloseCode) String() string {
	switch c {
	case CloseAuthFailure:
		return "AUTH_FAILURE"
	case CloseServerException:
		return "EXCEPTION_RAISED"
	case CloseMalformedMessage:
		return "MALFORMED_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// EncryptedFields names the payload field that travels end-to-end
// encrypted for each msg_id. Fields not listed here travel as plaintext
// (acks, nacks, control envelopes).
var EncryptedFields = map[MsgID]string{
	UserMessage:        "text",
	PeerHello:          "magic",
	SessionEstablished: "magic",
	ShareFriend:        "name",
}

// HandshakeMagic is the fixed constant exchanged (encrypted) during
// session establishment; a mismatch on decrypt is a SessionError.
const HandshakeMagic = "cans-session-established"

// OneTimeKeyThreshold and OneTimeKeyMax govern one-time key replenishment:
// when a user's pool drops below the threshold the relay asks for enough
// keys to bring it back to the maximum.
const (
	OneTimeKeyThreshold = 5
	OneTimeKeyMax       = 10
)
