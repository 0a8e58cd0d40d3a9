// Package jsonrpc classifies JSON-RPC 2.0 messages at the framing boundary.
//
// A Message keeps the exact bytes it was built from; the relay never
// re-encodes a payload it forwards.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags a Message as request, response or notification.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// ErrInvalidMessage is returned when a payload is not a JSON-RPC object.
var ErrInvalidMessage = errors.New("invalid json-rpc message")

// Message is an opaque JSON-RPC message together with its framing kind.
type Message struct {
	kind   Kind
	method string
	raw    json.RawMessage
}

// envelope holds only the fields needed to decide the kind of a message.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Parse classifies data without altering it. A message with a method and an
// id is a request, a method without an id is a notification, and an id with
// a result or error is a response.
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Message{}, ErrInvalidMessage
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	switch {
	case env.Method != nil && *env.Method != "" && hasID:
		return Message{kind: KindRequest, method: *env.Method, raw: raw}, nil
	case env.Method != nil && *env.Method != "":
		return Message{kind: KindNotification, method: *env.Method, raw: raw}, nil
	case len(env.Result) > 0 || len(env.Error) > 0:
		return Message{kind: KindResponse, raw: raw}, nil
	default:
		return Message{}, ErrInvalidMessage
	}
}

// MustParse is Parse for literals in tests and constants.
func MustParse(data string) Message {
	m, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return m
}

// Kind reports the framing kind.
func (m Message) Kind() Kind { return m.kind }

// Method returns the method of a request or notification.
func (m Message) Method() string { return m.method }

// Bytes returns the message exactly as received. Callers must not modify it.
func (m Message) Bytes() []byte { return m.raw }

// IsZero reports whether m is the zero Message.
func (m Message) IsZero() bool { return m.kind == 0 }

// MarshalJSON emits the bytes the message was parsed from.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.raw == nil {
		return []byte("null"), nil
	}
	return m.raw, nil
}

func (m Message) String() string { return string(m.raw) }

// Encode marshals v and classifies the result. Used for messages synthesised
// by the proxy itself, such as stderr notifications.
func Encode(v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Parse(b)
}
