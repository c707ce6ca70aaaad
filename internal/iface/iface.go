// Package iface declares the thin collaborator contracts for the UI
// and the local message/friend store. Both are implemented by the host
// application, not this module; only the interfaces a concrete UI or
// store would implement against internal/client live here.
package iface

// UI is the callback surface the session manager's host application
// implements: submitting outbound messages and friend operations, and
// being told to shut down.
type UI interface {
	UpstreamMessage(receiver, text string)
	ShareFriend(peer, friend string)
	AddFriend(user string)
	GracefulShutdown()
}

// MessageState is the lifecycle tag a local store tracks per message,
// updated as acks/nacks arrive.
type MessageState int

const (
	MessageStatePending MessageState = iota
	MessageStateDelivered
	MessageStateFailed
)

// StoredMessage is one row of a peer's message history.
type StoredMessage struct {
	Peer   string
	Sender string
	Text   string
	State  MessageState
}

// Store is the local persistence contract: message history and friend
// bookkeeping. No transactional semantics are required across calls,
// so implementations are free to use independent statements per
// method.
type Store interface {
	SaveMessage(peer string, msg StoredMessage) error
	GetMessageHistory(peer string) ([]StoredMessage, error)
	UpdateMessageStatus(id string, state MessageState) error

	AddFriend(user string) error
	RemoveFriend(user string) error
	UpdateFriend(user string, displayName string) error
	GetFriend(user string) (displayName string, ok bool, err error)
}
