// Package protocol defines the JSON text frames exchanged between the
// bridge and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type MessageType string

// Bridge → relay.
const (
	MsgConnection  MessageType = "connection"
	MsgHeartbeat   MessageType = "heartbeat"
	MsgPong        MessageType = "pong"
	MsgTokenUpdate MessageType = "token_update"
	MsgTokenError  MessageType = "token_error"
	MsgDisconnect  MessageType = "disconnect"
)

// Relay → bridge.
const (
	MsgPing          MessageType = "ping"
	MsgRequestToken  MessageType = "request_token"
	MsgStatus        MessageType = "status"
	MsgWelcome       MessageType = "welcome"
	MsgTokenReceived MessageType = "token_received"
)

const (
	StatusActive       = "active"
	StatusLoginExpired = "login_expired"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t for the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

var ErrMissingType = errors.New("frame has no type")

// Frame is any outbound message. Every frame carries its type and the time
// it was built.
type Frame interface {
	FrameType() MessageType
}

type Header struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

func (h Header) FrameType() MessageType { return h.Type }

func header(t MessageType, now time.Time) Header {
	return Header{Type: t, Timestamp: Timestamp(now)}
}

type Connection struct {
	Header
	Client   string `json:"client"`
	ClientID string `json:"clientId"`
	Version  string `json:"version,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UnmarshalJSON is lenient about the user's shape: string, number and
// boolean fields are kept as text, anything else is left empty. A user that
// is not an object decodes to the zero User.
func (u *User) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		*u = User{}
		return nil
	}
	*u = User{
		ID:    scalarText(fields["id"]),
		Name:  scalarText(fields["name"]),
		Email: scalarText(fields["email"]),
	}
	return nil
}

func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// TokenUpdate always carries account and expires; they are null when the
// session had none.
type TokenUpdate struct {
	Header
	AccessToken string          `json:"accessToken"`
	User        User            `json:"user"`
	Account     json.RawMessage `json:"account"`
	Expires     *string         `json:"expires"`
	Status      string          `json:"status"`
}

type TokenError struct {
	Header
	Error  string `json:"error"`
	Status string `json:"status"`
}

type Disconnect struct {
	Header
	Reason string `json:"reason,omitempty"`
}

func NewConnection(now time.Time, client, clientID, version string) Connection {
	return Connection{Header: header(MsgConnection, now), Client: client, ClientID: clientID, Version: version}
}

func NewHeartbeat(now time.Time) Header { return header(MsgHeartbeat, now) }

func NewPong(now time.Time) Header { return header(MsgPong, now) }

// NewTokenUpdate builds a token_update frame. An empty expires is sent as
// null.
func NewTokenUpdate(now time.Time, token string, user User, account json.RawMessage, expires string) TokenUpdate {
	u := TokenUpdate{
		Header:      header(MsgTokenUpdate, now),
		AccessToken: token,
		User:        user,
		Account:     account,
		Status:      StatusActive,
	}
	if expires != "" {
		u.Expires = &expires
	}
	return u
}

func NewTokenError(now time.Time, reason string) TokenError {
	return TokenError{Header: header(MsgTokenError, now), Error: reason, Status: StatusLoginExpired}
}

func NewDisconnect(now time.Time, reason string) Disconnect {
	return Disconnect{Header: header(MsgDisconnect, now), Reason: reason}
}

// Encode marshals a frame. The frame types above contain nothing that can
// fail to marshal apart from a malformed Account blob.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.FrameType(), err)
	}
	return data, nil
}

// Inbound is a decoded frame from the relay. Fields not used by the bridge
// are kept in Raw.
type Inbound struct {
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// DecodeInbound parses a relay frame. A payload that is not a JSON object
// or has no type is an error.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decoding frame: %w", err)
	}
	if in.Type == "" {
		return Inbound{}, ErrMissingType
	}
	in.Raw = append(json.RawMessage(nil), data...)
	return in, nil
}
