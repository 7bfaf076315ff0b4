package chatsim

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	DirectChat = "DIRECT"
	GroupChat  = "GROUP"
)

var (
	ErrConflictedUser  = errors.New("user already exists")
	ErrInvalidUser     = errors.New("invalid user")
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrChatNotFound    = errors.New("chat not found")
	ErrNotMember       = errors.New("not a member of the chat")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrInvalidChat     = errors.New("invalid chat")
)

// ID is an entity id that decodes from either a JSON number or a string.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(b), `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("decode id %q: %w", s, err)
	}
	*id = ID(v)
	return nil
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Image     string `json:"image"`
	IsLawyer  bool   `json:"isLawyer"`
	IsJudge   bool   `json:"isJudge"`
}

// UserCreateInput is the input for registering a user.
type UserCreateInput struct {
	Username  string `json:"username" validate:"required,min=3,max=32"`
	Password  string `json:"password" validate:"required,min=6"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName"`
	Image     string `json:"image"`
	IsLawyer  bool   `json:"isLawyer"`
	IsJudge   bool   `json:"isJudge"`
}

// ChatSummary is a chat as seen by one of its members.
type ChatSummary struct {
	ID                 int64      `json:"id"`
	ChatName           string     `json:"chatName"`
	ChatType           string     `json:"chatType"`
	Participants       []User     `json:"participants"`
	LastMessageContent string     `json:"lastMessageContent"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	UnreadCount        int        `json:"unreadCount"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// ChatCreateInput is the input for creating a chat. The creator is always a member.
type ChatCreateInput struct {
	ParticipantIDs []ID   `json:"participantIds" validate:"required,min=1,dive,gt=0"`
	Name           string `json:"chatName"`
	Type           string `json:"chatType" validate:"omitempty,oneof=DIRECT GROUP"`
}

type Message struct {
	ID              int64     `json:"id"`
	ChatID          int64     `json:"chatId"`
	SenderID        int64     `json:"senderId"`
	Content         string    `json:"content"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	SentAt          time.Time `json:"sentAt"`
}

// MessageCreateInput is the input for sending a message.
type MessageCreateInput struct {
	ChatID          int64  `validate:"required"`
	SenderID        int64  `validate:"required"`
	Content         string `validate:"required,max=4000"`
	ClientMessageID string `validate:"max=64"`
}
