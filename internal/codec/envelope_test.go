package codec

import (
	"errors"
	"testing"

	"github.com/zentalk/cans-relay/internal/wire"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "user message",
			env: Envelope{
				Header:  Header{Sender: "alice", Receiver: "bob", MsgID: wire.UserMessage},
				Payload: map[string]interface{}{"cookie": "abc123", "text": "ZW5j"},
			},
		},
		{
			name: "server-originated, empty sender",
			env: Envelope{
				Header:  Header{Sender: "", Receiver: "bob", MsgID: wire.ActiveFriends},
				Payload: map[string]interface{}{"friends": map[string]interface{}{}},
			},
		},
		{
			name: "nil payload becomes empty object",
			env: Envelope{
				Header:  Header{Sender: "alice", Receiver: "", MsgID: wire.SchnorrCommit},
				Payload: nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.env)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			decoded, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if decoded.Header.Sender != tt.env.Header.Sender {
				t.Errorf("Sender = %q, want %q", decoded.Header.Sender, tt.env.Header.Sender)
			}
			if decoded.Header.Receiver != tt.env.Header.Receiver {
				t.Errorf("Receiver = %q, want %q", decoded.Header.Receiver, tt.env.Header.Receiver)
			}
			if decoded.Header.MsgID != tt.env.Header.MsgID {
				t.Errorf("MsgID = %q, want %q", decoded.Header.MsgID, tt.env.Header.MsgID)
			}
			if decoded.Payload == nil {
				t.Errorf("Payload is nil after round trip")
			}
		})
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `not json at all`},
		{"extra top-level field", `{"header":{"sender":"a","receiver":"b","msg_id":"USER_MESSAGE"},"payload":{},"extra":1}`},
		{"missing payload", `{"header":{"sender":"a","receiver":"b","msg_id":"USER_MESSAGE"}}`},
		{"missing header", `{"payload":{}}`},
		{"missing header field", `{"header":{"sender":"a","msg_id":"USER_MESSAGE"},"payload":{}}`},
		{"extra header field", `{"header":{"sender":"a","receiver":"b","msg_id":"USER_MESSAGE","extra":"x"},"payload":{}}`},
		{"unknown msg_id", `{"header":{"sender":"a","receiver":"b","msg_id":"NOT_A_REAL_ID"},"payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			if err == nil {
				t.Fatalf("Unmarshal(%q) succeeded, want error", tt.data)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Unmarshal(%q) error = %v, want wrapping ErrMalformed", tt.data, err)
			}
		})
	}
}

func TestPayloadString(t *testing.T) {
	env := Envelope{
		Header:  Header{Sender: "a", Receiver: "b", MsgID: wire.UserMessage},
		Payload: map[string]interface{}{"cookie": "xyz", "count": 5.0},
	}

	if v, err := PayloadString(env, "cookie"); err != nil || v != "xyz" {
		t.Errorf("PayloadString(cookie) = %q, %v, want xyz, nil", v, err)
	}
	if _, err := PayloadString(env, "missing"); err == nil {
		t.Errorf("PayloadString(missing) succeeded, want error")
	}
	if _, err := PayloadString(env, "count"); err == nil {
		t.Errorf("PayloadString(count) succeeded on non-string field, want error")
	}
}
