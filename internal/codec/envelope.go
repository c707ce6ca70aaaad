// Package codec implements the envelope wire format: UTF-8 JSON objects
// with exactly two top-level fields, header and payload.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zentalk/cans-relay/internal/wire"
)

var (
	// ErrMalformed is the taxonomy-level sentinel for a shape violation.
	// Relay-side this is always fatal for the connection.
	ErrMalformed = errors.New("malformed message")

	errMissingHeaderField = fmt.Errorf("%w: header missing required field", ErrMalformed)
	errUnknownMsgID       = fmt.Errorf("%w: unknown msg_id", ErrMalformed)
	errBadJSON            = fmt.Errorf("%w: invalid json", ErrMalformed)
)

// Header identifies sender, receiver, and message kind for an envelope.
// Sender or Receiver is empty for server-originated/server-terminated
// envelopes respectively.
type Header struct {
	Sender   string     `json:"sender"`
	Receiver string     `json:"receiver"`
	MsgID    wire.MsgID `json:"msg_id"`
}

// Envelope is the self-describing unit carried over the connection.
type Envelope struct {
	Header  Header                 `json:"header"`
	Payload map[string]interface{} `json:"payload"`
}

// rawHeader lets us detect missing/extra header fields distinctly from a
// merely-absent payload field.
type rawHeader struct {
	Sender   *string     `json:"sender"`
	Receiver *string     `json:"receiver"`
	MsgID    *wire.MsgID `json:"msg_id"`
}

// Marshal serializes an envelope to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal parses and validates an envelope. Deserialization failures
// (bad JSON, wrong shape) are reported as ErrMalformed, distinct from
// payload-field-missing errors that a per-msg_id handler raises later.
func Unmarshal(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errBadJSON
	}
	if len(raw) != 2 {
		return Envelope{}, fmt.Errorf("%w: expected exactly header and payload, got %d fields", ErrMalformed, len(raw))
	}
	headerRaw, ok := raw["header"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	payloadRaw, ok := raw["payload"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	var rh rawHeader
	if err := json.Unmarshal(headerRaw, &rh); err != nil {
		return Envelope{}, errBadJSON
	}
	if rh.Sender == nil || rh.Receiver == nil || rh.MsgID == nil {
		return Envelope{}, errMissingHeaderField
	}
	if !wire.Valid(*rh.MsgID) {
		return Envelope{}, errUnknownMsgID
	}

	var headerFieldCount map[string]json.RawMessage
	if err := json.Unmarshal(headerRaw, &headerFieldCount); err != nil {
		return Envelope{}, errBadJSON
	}
	if len(headerFieldCount) != 3 {
		return Envelope{}, fmt.Errorf("%w: header has extra fields", ErrMalformed)
	}

	var payload map[string]interface{}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return Envelope{}, errBadJSON
		}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return Envelope{
		Header: Header{
			Sender:   *rh.Sender,
			Receiver: *rh.Receiver,
			MsgID:    *rh.MsgID,
		},
		Payload: payload,
	}, nil
}

// PayloadString extracts a required string field from an envelope's
// payload. Missing-field errors here are reported distinctly from
// deserialization failures.
func PayloadString(e Envelope, field string) (string, error) {
	v, ok := e.Payload[field]
	if !ok {
		return "", fmt.Errorf("codec: payload missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("codec: payload field %q not a string", field)
	}
	return s, nil
}
