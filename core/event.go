package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type EventType string

const (
	// EventMessage is emitted when a message is added or changes state.
	EventMessage EventType = "message"
	// EventMessageFailed is emitted when a pending message becomes failed.
	EventMessageFailed EventType = "message_failed"
	// EventMessageRemoved is emitted when a failed message is discarded.
	EventMessageRemoved EventType = "message_removed"
	// EventHistoryLoaded is emitted when the history of a chat has been merged.
	EventHistoryLoaded EventType = "history_loaded"
	// EventChatUpdated is emitted when the summary of a chat changes.
	EventChatUpdated EventType = "chat_updated"
	// EventChatsRefreshed is emitted after the chat list was merged with the server's.
	EventChatsRefreshed EventType = "chats_refreshed"
	// EventConnectionState is emitted on every transport state change.
	EventConnectionState EventType = "connection_state"
	// EventSessionClosed is emitted once when the session ends.
	EventSessionClosed EventType = "session_closed"
)

// Event is a notification from a Session to its UI layer. Which fields are set
// depends on Type.
type Event struct {
	Type       EventType
	ChatID     string
	Message    *Message
	// ReplacedID is the temporary id of the pending message Message confirmed.
	ReplacedID string
	Chat       *Chat
	State      ConnectionState
	Err        error
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, ChatID: %s, State: %s, Err: %v}", e.Type, e.ChatID, e.State, e.Err)
}

type EventHandler func(context.Context, Event) error

// EventRouter dispatches session events to handlers registered by type.
type EventRouter struct {
	listeners map[EventType]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[EventType]EventHandler),
		logger:    logger,
	}
}

func (er *EventRouter) On(t EventType, handler EventHandler) {
	er.listeners[t] = handler
}

// Listen dispatches events until the channel is closed or ctx is done.
// Handlers run sequentially in event order.
func (er *EventRouter) Listen(ctx context.Context, wg *sync.WaitGroup, events <-chan Event) {
	defer wg.Done()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			er.logger.Debug(fmt.Sprintf("received: %v", e))
			handler, ok := er.listeners[e.Type]
			if !ok {
				continue
			}
			if err := handler(ctx, e); err != nil {
				er.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
			}
		case <-ctx.Done():
			return
		}
	}
}
