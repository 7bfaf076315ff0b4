package core

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the real-time transport.
// It is owned by Transport; everything else only reads it.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is terminal until the next explicit Connect.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveryState tracks a message from local creation to server confirmation.
type DeliveryState int

const (
	// DeliveryPending is a locally created message that has not been confirmed by the server.
	DeliveryPending DeliveryState = iota
	// DeliveryConfirmed is a message carrying a server assigned id and timestamp.
	DeliveryConfirmed
	// DeliveryFailed is a pending message whose send failed or timed out.
	// It stays visible until it is retried or discarded.
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryConfirmed:
		return "confirmed"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChatType represents the type of a chat.
type ChatType string

const (
	// DirectChat is a chat between exactly two users.
	// Only one direct chat can exist between two users.
	DirectChat ChatType = "DIRECT"
	// GroupChat is a chat with any number of participants.
	GroupChat ChatType = "GROUP"
)

// Participant is an immutable snapshot of a user as received from the server.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Image     string `json:"image,omitempty"`
	IsLawyer  bool   `json:"isLawyer"`
	IsJudge   bool   `json:"isJudge"`
}

func (p Participant) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Chat is the summary view of a conversation.
type Chat struct {
	ID string `json:"id"`
	// Name is the name given on creation. Direct chats usually have none.
	Name               string        `json:"name,omitempty"`
	DisplayName        string        `json:"displayName"`
	Type               ChatType      `json:"type"`
	Participants       []Participant `json:"participants"`
	LastMessageContent string        `json:"lastMessageContent"`
	LastMessageAt      time.Time     `json:"lastMessageAt"`
	UnreadCount        int           `json:"unreadCount"`
	CreatedAt          time.Time     `json:"createdAt"`
	// Stub is set on chats inferred from an inbound message that are not known
	// from a list refresh yet.
	Stub bool `json:"stub,omitempty"`
}

// HasMessages reports whether the chat has a last message.
func (c Chat) HasMessages() bool {
	return !c.LastMessageAt.IsZero()
}

// sortKey is the time the chat is ordered by in the chat list.
func (c Chat) sortKey() time.Time {
	if c.HasMessages() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

// Message is a chat message. Locally created messages carry a ClientID and
// a temporary ID until the server confirms them.
type Message struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientMessageId,omitempty"`
	ChatID        string        `json:"chatId"`
	Content       string        `json:"content"`
	SentAt        time.Time     `json:"sentAt"`
	SenderID      string        `json:"senderId"`
	DeliveryState DeliveryState `json:"deliveryState"`
}

// Confirmed reports whether the message carries a server assigned id.
func (m Message) Confirmed() bool {
	return m.DeliveryState == DeliveryConfirmed
}
