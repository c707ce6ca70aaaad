// Package relay implements the relay side of the fabric: per-connection
// session state (C6), the upstream and downstream handlers (C7, C8), and
// the routing/presence engine (C9).
package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/ratchet"
)

// Bundle is the public material vended to a peer that wants to start a
// session toward this user: their ratchet identity key plus one freshly
// popped one-time key.
type Bundle struct {
	IdentityKey ratchet.DHPublic
	OneTimeKey  ratchet.DHPublic
	HasOneTime  bool
}

// Event is the internal, never-wire-serialized-directly unit the
// downstream writer drains from a session's event queue.
type Event interface{ isEvent() }

type MessageEvent struct{ Envelope codec.Envelope }
type LoginEvent struct {
	Peer   string
	Bundle Bundle
}
type LogoutEvent struct{ Peer string }
type ReplenishEvent struct{ Count int }

func (MessageEvent) isEvent()   {}
func (LoginEvent) isEvent()     {}
func (LogoutEvent) isEvent()    {}
func (ReplenishEvent) isEvent() {}

// Conn is the minimal transport surface the relay session needs; it is
// satisfied by the WebSocket connector in internal/transport, and lets
// tests substitute an in-memory pipe.
type Conn interface {
	WriteEnvelope(codec.Envelope) error
	ReadEnvelope() (codec.Envelope, error)
	Close() error
}

// oneTimeKeyPool is a per-user FIFO of unconsumed one-time ratchet
// prekeys.
type oneTimeKeyPool struct {
	keys []ratchet.DHPublic
}

func (p *oneTimeKeyPool) push(keys ...ratchet.DHPublic) {
	p.keys = append(p.keys, keys...)
}

func (p *oneTimeKeyPool) pop() (ratchet.DHPublic, bool) {
	if len(p.keys) == 0 {
		return ratchet.DHPublic{}, false
	}
	k := p.keys[0]
	p.keys = p.keys[1:]
	return k, true
}

func (p *oneTimeKeyPool) len() int {
	return len(p.keys)
}

// Session is the relay's per-connection record: the fields a live
// connection owns for as long as its socket is open. The
// router holds only short-lived references via map lookups; it
// never outlives the connection's own goroutines.
type Session struct {
	UserID      string
	ConnID      string // correlation id for this connection's log lines, distinct from UserID
	Conn        Conn
	IdentityKey ratchet.DHPublic

	mu              sync.Mutex
	oneTime         oneTimeKeyPool
	subscriptions   map[string]bool
	oneTimeWatchers map[string]bool

	events chan Event
}

// eventQueueCapacity bounds the relay's per-session event queue. Each
// session's queue has one producer per event kind and one consumer, its
// own downstream writer.
const eventQueueCapacity = 256

// NewSession creates a relay session for an admitted connection.
func NewSession(userID string, conn Conn, identityKey ratchet.DHPublic, subscriptions []string, oneTimeKeys []ratchet.DHPublic) *Session {
	s := &Session{
		UserID:          userID,
		ConnID:          uuid.NewString(),
		Conn:            conn,
		IdentityKey:     identityKey,
		subscriptions:   make(map[string]bool, len(subscriptions)),
		oneTimeWatchers: make(map[string]bool),
		events:          make(chan Event, eventQueueCapacity),
	}
	for _, sub := range subscriptions {
		s.subscriptions[sub] = true
	}
	s.oneTime.push(oneTimeKeys...)
	return s
}

// Enqueue pushes an event onto the session's queue for its downstream
// writer to drain. It never blocks the router indefinitely: a full
// queue indicates a stuck connection, which is the router's problem to
// eventually clean up via disconnect, not the sender's.
func (s *Session) Enqueue(e Event) {
	select {
	case s.events <- e:
	default:
		// Queue full: drop rather than stall the router goroutine. A
		// genuinely stuck peer will be torn down by its own read/write
		// deadlines.
	}
}

// Events exposes the session's event channel to its downstream writer.
func (s *Session) Events() <-chan Event {
	return s.events
}

// popOneTimeKey pops one key from this session's pool, reporting
// whether a key was popped and how many keys remain; the router
// compares that count against the replenishment threshold.
func (s *Session) popOneTimeKey() (key ratchet.DHPublic, ok bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok = s.oneTime.pop()
	return key, ok, s.oneTime.len()
}

// replenishOneTimeKeys adds newly published keys to the pool.
func (s *Session) replenishOneTimeKeys(keys []ratchet.DHPublic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneTime.push(keys...)
}

// addSubscription returns true if it added a new edge to the in-memory
// set (persistence itself is the substore's job, called by the router).
func (s *Session) addSubscription(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[target] {
		return false
	}
	s.subscriptions[target] = true
	return true
}

func (s *Session) removeSubscription(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, target)
}

func (s *Session) subscribedTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for t := range s.subscriptions {
		out = append(out, t)
	}
	return out
}

func (s *Session) addOneTimeWatcher(watcher string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneTimeWatchers[watcher] = true
}

func (s *Session) watchers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.oneTimeWatchers))
	for w := range s.oneTimeWatchers {
		out = append(out, w)
	}
	return out
}
