package relay

import (
	"errors"
	"log"
	"sync"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/relay/substore"
	"github.com/zentalk/cans-relay/internal/wire"
)

// ErrKeyExhausted is returned when a one-time key bundle is requested
// for a user whose pool is empty.
var ErrKeyExhausted = errors.New("relay: one-time key pool exhausted")

// Router holds the live session map and delegates persistent
// subscription edges to the substore. It is the single owner of the
// map; every access to the map happens under the router's lock, and
// callers never retain a *Session across calls.
type Router struct {
	mu    sync.RWMutex
	live  map[string]*Session
	store *substore.Store
}

// NewRouter creates a routing engine backed by store for subscription
// persistence.
func NewRouter(store *substore.Store) *Router {
	return &Router{live: make(map[string]*Session), store: store}
}

// Admit registers a newly authenticated session and runs the presence
// fan-out:
//
//  1. persist every (new_user → s) edge for s in the session's declared
//     subscriptions;
//  2. notify every subscriber of new_user with a LOGIN event;
//  3. compute active_friends among new_user's own subscriptions and
//     return their bundles so the caller can send a single
//     ActiveFriends envelope.
func (r *Router) Admit(s *Session) (map[string]Bundle, error) {
	for _, target := range s.subscribedTargets() {
		if err := r.store.AddEdge(s.UserID, target); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.live[s.UserID] = s
	r.mu.Unlock()
	log.Printf("relay: admitted %s (conn %s)", s.UserID, s.ConnID)

	subscribers, err := r.store.SubscribersOf(s.UserID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	for _, sub := range subscribers {
		if watcher, ok := r.live[sub]; ok {
			bundle, _ := r.bundleForLocked(s.UserID)
			watcher.Enqueue(LoginEvent{Peer: s.UserID, Bundle: bundle})
		}
	}
	r.mu.RUnlock()

	active := make(map[string]Bundle)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, target := range s.subscribedTargets() {
		if _, ok := r.live[target]; !ok {
			continue
		}
		bundle, ok := r.bundleForLocked(target)
		if !ok {
			continue
		}
		active[target] = bundle
	}
	return active, nil
}

// Remove tears down a disconnected session: every current subscriber
// and every one-time watcher gets a LOGOUT event, then the record is
// dropped.
func (r *Router) Remove(userID string) {
	r.mu.Lock()
	s, ok := r.live[userID]
	if ok {
		delete(r.live, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("relay: removed %s (conn %s)", userID, s.ConnID)

	subscribers, err := r.store.SubscribersOf(userID)
	if err != nil {
		log.Printf("relay: subscribers lookup failed for %s on disconnect: %v", userID, err)
		subscribers = nil
	}

	notify := make(map[string]bool)
	for _, sub := range subscribers {
		notify[sub] = true
	}
	for _, w := range s.watchers() {
		notify[w] = true
	}

	r.mu.RLock()
	for id := range notify {
		if live, ok := r.live[id]; ok {
			live.Enqueue(LogoutEvent{Peer: userID})
		}
	}
	r.mu.RUnlock()
}

// bundleFor vends a bundle for subject (taking the router's own lock).
func (r *Router) bundleFor(subject string) (Bundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bundleForLocked(subject)
}

// bundleForLocked vends a bundle assuming the caller already holds
// r.mu for reading; popping the one-time key takes the subject
// session's own lock, and a REPLENISH event is enqueued if the pool has
// run low.
func (r *Router) bundleForLocked(subject string) (Bundle, bool) {
	s, ok := r.live[subject]
	if !ok {
		return Bundle{}, false
	}
	key, popped, remaining := s.popOneTimeKey()
	if remaining < wire.OneTimeKeyThreshold {
		s.Enqueue(ReplenishEvent{Count: wire.OneTimeKeyMax - remaining})
	}
	return Bundle{IdentityKey: s.IdentityKey, OneTimeKey: key, HasOneTime: popped}, true
}

// VendBundle is the public entry point for GET_ONE_TIME_KEY_REQ: it
// returns ErrKeyExhausted if the subject's pool is empty,
// letting the caller decide how to fail the dependent request.
func (r *Router) VendBundle(subject string) (Bundle, error) {
	bundle, ok := r.bundleFor(subject)
	if !ok {
		return Bundle{}, ErrSubjectNotLive
	}
	if !bundle.HasOneTime {
		// Identity key is still usable; only the prekey pool ran dry.
		return bundle, ErrKeyExhausted
	}
	return bundle, nil
}

// ErrSubjectNotLive means the requested subject has no live session.
var ErrSubjectNotLive = errors.New("relay: subject not live")

// Route implements the relay's routing rule: deliver to a live
// receiver, synthesize a PeerUnavailable nack back to a known sender
// when the receiver is offline, or silently drop a server-originated
// message to an offline receiver (preventing nack-of-nack recursion).
func (r *Router) Route(env codec.Envelope) {
	r.mu.RLock()
	receiver, live := r.live[env.Header.Receiver]
	r.mu.RUnlock()

	if live {
		receiver.Enqueue(MessageEvent{Envelope: env})
		return
	}

	if env.Header.Sender == "" {
		return
	}

	extra := ""
	if cookie, ok := env.Payload["cookie"].(string); ok {
		extra = cookie
	}
	nack := codec.Envelope{
		Header: codec.Header{
			Sender:   "",
			Receiver: env.Header.Sender,
			MsgID:    wire.NackMessageNotDelivered,
		},
		Payload: map[string]interface{}{
			"message_target": env.Header.Receiver,
			"msg_id":         string(env.Header.MsgID),
			"extra":          extra,
			"reason":         "Peer unavailable",
		},
	}
	r.Route(nack)
}

// AddSubscription persists a subscriber → subscribed edge and updates
// the subscriber's live in-memory set if it is connected (ADD_FRIEND).
func (r *Router) AddSubscription(subscriber, subscribed string) error {
	if err := r.store.AddEdge(subscriber, subscribed); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[subscriber]; ok {
		s.addSubscription(subscribed)
	}
	return nil
}

// RemoveSubscription is REMOVE_FRIEND's relay-side effect.
func (r *Router) RemoveSubscription(subscriber, subscribed string) error {
	if err := r.store.RemoveEdge(subscriber, subscribed); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[subscriber]; ok {
		s.removeSubscription(subscribed)
	}
	return nil
}

// WatchLogout adds requester to peer's one-shot logout-watch list
// (REQUEST_LOGOUT_NOTIF), if peer is currently live.
func (r *Router) WatchLogout(requester, peer string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[peer]; ok {
		s.addOneTimeWatcher(requester)
	}
}

// Replenish adds newly published one-time keys to a session's pool
// (REPLENISH_ONE_TIME_KEYS_RESP).
func (r *Router) Replenish(userID string, keys []ratchet.DHPublic) {
	r.mu.RLock()
	s, ok := r.live[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.replenishOneTimeKeys(keys)
}
