package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerVersion is reported in the relay's welcome frame.
const ServerVersion = "1.0.0"

// BridgeFrame is the relay's view of anything a bridge can send. Only the
// fields relevant to the frame's type are populated.
type BridgeFrame struct {
	Type        MessageType     `json:"type"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Client      string          `json:"client,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	AccessToken string          `json:"accessToken,omitempty"`
	User        User            `json:"user"`
	Account     json.RawMessage `json:"account,omitempty"`
	Expires     string          `json:"expires,omitempty"`
	Status      string          `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// DecodeBridgeFrame parses a frame received from a bridge.
func DecodeBridgeFrame(data []byte) (BridgeFrame, error) {
	var f BridgeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return BridgeFrame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return BridgeFrame{}, ErrMissingType
	}
	return f, nil
}

type Welcome struct {
	Header
	Message       string `json:"message"`
	ServerVersion string `json:"server_version"`
}

type TokenReceived struct {
	Header
	User        string `json:"user"`
	TotalTokens int    `json:"total_tokens"`
	Transport   string `json:"transport"`
}

type Notice struct {
	Header
	Message string `json:"message,omitempty"`
}

func NewWelcome(now time.Time) Welcome {
	return Welcome{
		Header:        header(MsgWelcome, now),
		Message:       "relay connection established",
		ServerVersion: ServerVersion,
	}
}

func NewTokenReceived(now time.Time, user string, total int, transport string) TokenReceived {
	return TokenReceived{Header: header(MsgTokenReceived, now), User: user, TotalTokens: total, Transport: transport}
}

func NewRequestToken(now time.Time) Notice {
	return Notice{Header: header(MsgRequestToken, now), Message: "relay requested a token refresh"}
}

func NewPing(now time.Time) Header { return header(MsgPing, now) }

func NewStatus(now time.Time, message string) Notice {
	return Notice{Header: header(MsgStatus, now), Message: message}
}
