// Package envelope defines the {type, data} wrapper exchanged with the chat
// server over the websocket, and the payloads carried for each type.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/crewchat/crew/internal/store"
)

// Envelope wraps every frame on the duplex channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound envelope types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthError             = "auth_error"
	TypeNewMessage            = "new_message"
	TypeTypingStart           = "typing_start"
	TypeTypingStop            = "typing_stop"
	TypeUserStatus            = "user_status"
	TypeMessageRead           = "message_read"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Outbound envelope types.
const (
	TypeSendMessage = "send_message"
	TypeJoin        = "join"
)

// New builds an envelope of the given type, marshaling data as the payload.
// A nil data produces an envelope with no payload (ping/pong).
func New(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ConnectionEstablishedPayload confirms authentication and identifies the
// local user.
type ConnectionEstablishedPayload struct {
	UserID int64 `json:"userId"`
}

// MessagePayload carries a full message for new_message envelopes. ClientID
// echoes the correlation id of the originating send, when the server
// supports it.
type MessagePayload struct {
	Message        store.Message `json:"message"`
	ConversationID int64         `json:"conversationId"`
	ClientID       string        `json:"clientId,omitempty"`
}

// SendMessagePayload is the outbound send_message payload.
type SendMessagePayload struct {
	ConversationID int64   `json:"conversationId"`
	Content        string  `json:"content"`
	AttachmentIDs  []int64 `json:"attachmentIds,omitempty"`
	ClientID       string  `json:"clientId"`
}

// TypingPayload carries typing_start / typing_stop data.
type TypingPayload struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId"`
}

// StatusPayload carries user_status data.
type StatusPayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// ReadPayload carries message_read data.
type ReadPayload struct {
	MessageID      int64 `json:"messageId"`
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId,omitempty"`
}

// ErrorPayload carries a human-readable server error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// JoinPayload asks the server to resume delivering a conversation's events.
type JoinPayload struct {
	ConversationID int64 `json:"conversationId"`
}
