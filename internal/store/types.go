package store

import "strconv"

// Message kinds.
const (
	KindText   = "text"
	KindFile   = "file"
	KindSystem = "system"
)

// Client-side message send statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusConfirmed = "confirmed"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name,omitempty"`
	IsGroup            bool    `json:"isGroup"`
	ParticipantIDs     []int64 `json:"participantIds,omitempty"`
	UnreadCount        int     `json:"unreadCount"`
	LastMessageAt      int64   `json:"lastMessageAt"`
	LastMessagePreview string  `json:"lastMessagePreview,omitempty"`
}

// Message represents a chat message. Server-confirmed messages carry a
// numeric ID; optimistic messages carry only a ClientID until confirmed.
type Message struct {
	ID             int64        `json:"id,omitempty"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID int64        `json:"conversationId"`
	SenderID       int64        `json:"senderId"`
	SenderName     string       `json:"senderName,omitempty"`
	Content        string       `json:"content"`
	Kind           string       `json:"kind"`
	Read           bool         `json:"read"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      int64        `json:"createdAt"`

	// Client-side state, never sent on the wire.
	FromMe bool   `json:"-"`
	Status string `json:"-"`
}

// RenderKey returns the identity under which the message is rendered:
// the server id once confirmed, the client id while optimistic. Client ids
// are uuids and therefore always longer than any decimal server id.
func (m *Message) RenderKey() string {
	if m.ID != 0 {
		return strconv.FormatInt(m.ID, 10)
	}
	return m.ClientID
}

// Attachment represents a file attached to a message.
type Attachment struct {
	ID       int64  `json:"id"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// User represents a directory user with cached presence.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientID       string
	ConversationID int64
	Content        string
	AttachmentIDs  []int64
	Status         string // queued, sent, confirmed, failed
	ErrorMessage   string
	ServerMsgID    int64
}
