// Package transport carries envelopes over TLS-protected WebSocket
// connections: the relay-side listener and the peer-side connector,
// both built on gorilla/websocket.
package transport

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/zentalk/cans-relay/internal/codec"
)

// readTimeout and writeTimeout bound a single frame's round trip.
const (
	readTimeout  = 60 * time.Second
	writeTimeout = 30 * time.Second
)

// wsConn adapts a *websocket.Conn to the envelope-level Conn interface
// shared by internal/relay and internal/client.
type wsConn struct {
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// ReadEnvelope blocks for the next text frame and decodes it. A
// deserialization failure surfaces as codec.ErrMalformed so the caller
// can close with the right status code.
func (c *wsConn) ReadEnvelope() (codec.Envelope, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return codec.Envelope{}, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return codec.Envelope{}, err
	}
	return codec.Unmarshal(data)
}

// WriteEnvelope marshals and writes env as a single text frame.
func (c *wsConn) WriteEnvelope(env codec.Envelope) error {
	data, err := codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the socket.
func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// CloseWithCode closes the connection carrying one of the relay's own
// status codes, beyond the standard WebSocket close codes.
func (c *wsConn) CloseWithCode(code int, reason string) error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
