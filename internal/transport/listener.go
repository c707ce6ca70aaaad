package transport

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zentalk/cans-relay/internal/codec"
	"github.com/zentalk/cans-relay/internal/relay"
	"github.com/zentalk/cans-relay/internal/schnorr"
	"github.com/zentalk/cans-relay/internal/wire"
)

// Listener runs the relay-side accept loop: TLS, then WebSocket
// upgrade, then Schnorr, then handoff to the router. A failure at any
// stage closes only that socket with the matching status code; it
// never affects another connection.
type Listener struct {
	Addr     string
	CertFile string
	KeyFile  string
	Router   *relay.Router

	upgrader websocket.Upgrader
}

// NewListener prepares a relay listener bound to addr, serving TLS from
// certFile/keyFile, and admitting sessions into router.
func NewListener(addr, certFile, keyFile string, router *relay.Router) *Listener {
	return &Listener{
		Addr:     addr,
		CertFile: certFile,
		KeyFile:  keyFile,
		Router:   router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks serving the relay's single WebSocket endpoint
// until ctx is canceled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/cans", l.handleUpgrade)

	server := &http.Server{Addr: l.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Printf("🔐 relay listening on %s (TLS)", l.Addr)
	err := server.ListenAndServeTLS(l.CertFile, l.KeyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}
	conn := newWSConn(ws)
	l.serve(conn)
}

func (l *Listener) serve(conn *wsConn) {
	result, err := ServerHandshake(conn)
	if err != nil {
		code, reason := closeCodeFor(err)
		log.Printf("relay: handshake failed: %v", err)
		_ = conn.CloseWithCode(code, reason)
		return
	}

	session := relay.NewSession(result.UserID, conn, result.IdentityKey, result.Subscriptions, result.OneTimeKeys)

	active, err := l.Router.Admit(session)
	if err != nil {
		log.Printf("relay: admit %s: %v", result.UserID, err)
		_ = conn.CloseWithCode(int(wire.CloseServerException), "admission failed")
		return
	}
	session.Enqueue(relay.MessageEvent{Envelope: relay.BuildActiveFriendsEnvelope(result.UserID, active)})

	log.Printf("✓ %s admitted", result.UserID)

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(relay.NewUpstream(l.Router, session).Run)
	down := relay.NewDownstream(session)
	group.Go(func() error { return down.Run(ctx) })
	go func() {
		// A dead writer leaves the reader blocked in ReadEnvelope;
		// closing the connection unblocks it so both halves stop.
		<-ctx.Done()
		_ = conn.Close()
	}()

	err = group.Wait()
	l.Router.Remove(result.UserID)

	var closed *relay.ClosedConnError
	if errors.As(err, &closed) {
		log.Printf("relay: session %s ended: %v", result.UserID, err)
		_ = conn.CloseWithCode(int(closed.Code), closed.Reason)
		log.Printf("✗ %s disconnected (%s)", result.UserID, closed.Code)
		return
	}
	if err != nil {
		log.Printf("relay: session %s ended: %v", result.UserID, err)
	}
	_ = conn.Close()
	log.Printf("✗ %s disconnected", result.UserID)
}

// closeCodeFor maps a handshake failure to one of the three relay
// close codes.
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, codec.ErrMalformed):
		return int(wire.CloseMalformedMessage), "malformed handshake message"
	case errors.Is(err, schnorr.ErrVerificationFailed):
		return int(wire.CloseAuthFailure), "schnorr verification failed"
	default:
		return int(wire.CloseServerException), "handshake exception"
	}
}
