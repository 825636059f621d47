// Package control interprets frames the relay sends to the bridge.
package control

import (
	"log/slog"

	"github.com/tokenbridge/tokenbridge/internal/protocol"
)

// Handler carries out the actions a relay frame can ask for.
type Handler interface {
	// Pong replies to a relay ping. It reports whether the frame was sent.
	Pong() bool
	// RequestToken starts a credential fetch without touching any timers.
	RequestToken()
}

// Channel dispatches inbound frames to a Handler. Malformed and unknown
// frames are logged and dropped.
type Channel struct {
	h      Handler
	logger *slog.Logger
}

func New(h Handler, logger *slog.Logger) *Channel {
	return &Channel{h: h, logger: logger}
}

func (c *Channel) Handle(payload []byte) {
	in, err := protocol.DecodeInbound(payload)
	if err != nil {
		c.logger.Warn("dropping relay frame", "error", err, "bytes", len(payload))
		return
	}

	switch in.Type {
	case protocol.MsgPing:
		if !c.h.Pong() {
			c.logger.Debug("pong not sent")
		}
	case protocol.MsgRequestToken:
		c.logger.Info("relay requested a token")
		c.h.RequestToken()
	case protocol.MsgStatus:
		c.logger.Info("relay status", "message", in.Message)
	case protocol.MsgWelcome, protocol.MsgPong, protocol.MsgTokenReceived:
		c.logger.Debug("relay frame", "type", in.Type, "message", in.Message)
	default:
		c.logger.Warn("dropping relay frame", "type", in.Type)
	}
}
