package core

import "context"

// CreateChatRequest is the input for creating a chat.
type CreateChatRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	// Name is optional. The server derives one from the participants when empty.
	Name string   `json:"chatName,omitempty"`
	Type ChatType `json:"chatType,omitempty"`
}

// ChatAPI is the request/response surface of the chat server.
type ChatAPI interface {
	// ListChats returns the chat summaries of the logged in user.
	ListChats(ctx context.Context) ([]Chat, error)
	// History returns up to limit most recent messages of a chat, oldest first.
	History(ctx context.Context, chatID string, limit int) ([]Message, error)
	// SendMessage sends a message and returns it as confirmed by the server.
	SendMessage(ctx context.Context, chatID, content, clientID string) (Message, error)
	// CreateChat creates a chat and returns its id. Creating a direct chat that
	// already exists returns the existing chat's id.
	CreateChat(ctx context.Context, req CreateChatRequest) (string, error)
	// SearchUsers returns up to limit users matching query.
	SearchUsers(ctx context.Context, query string, limit int) ([]Participant, error)
}
