package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.ChatMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("ws: dispatch parse error")
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler, no registration required.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("ws: unsupported message type")
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	sendNotice(conn, code, chat.SystemNotice(message, time.Now().UnixMilli()), d.log)
}

// sendPong responds to a client ping with a pong message. The read path has
// already refreshed the connection's activity timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error().Err(err).Str("session", conn.ID).Msg("ws: failed to build pong message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Warn().Err(err).Str("session", conn.ID).Msg("ws: failed to send pong message")
	}
}

// sendNotice writes a private error frame carrying notice to conn.
func sendNotice(conn *Connection, code string, notice chat.Message, log zerolog.Logger) {
	data, err := protocol.NoticeFrame(code, notice)
	if err != nil {
		log.Error().Err(err).Str("session", conn.ID).Msg("ws: failed to build error message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Warn().Err(err).Str("session", conn.ID).Msg("ws: failed to send error message")
	}
}
