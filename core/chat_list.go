package core

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

const maxNamedParticipants = 3

type summary struct {
	content string
	at      time.Time
}

// ChatList is the ordered summary view of every chat known to the session.
// It is a projection of list refreshes and message events.
//
// ChatList is not safe for concurrent use.
type ChatList struct {
	selfID string
	chats  map[string]*Chat
	// baseline is the last message summary reported by the server for each chat.
	baseline map[string]summary
	// readAt is when each chat was last marked read locally.
	readAt map[string]time.Time
	clock  clock.Clock
}

type ChatListOption func(*ChatList)

func WithChatListClock(c clock.Clock) ChatListOption {
	return func(l *ChatList) {
		l.clock = c
	}
}

// NewChatList creates an empty chat list for the user selfID.
func NewChatList(selfID string, opts ...ChatListOption) *ChatList {
	l := &ChatList{
		selfID:   selfID,
		chats:    make(map[string]*Chat),
		baseline: make(map[string]summary),
		readAt:   make(map[string]time.Time),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// stub materializes a chat only known by id.
func (l *ChatList) stub(chatID string) *Chat {
	c, ok := l.chats[chatID]
	if !ok {
		c = &Chat{ID: chatID, Type: DirectChat, CreatedAt: l.clock.Now(), Stub: true}
		c.DisplayName = l.displayName(*c)
		l.chats[chatID] = c
	}
	return c
}

// UpsertSummary records the last message of a chat and optionally increments its
// unread count. Unknown chats are materialized as stubs. An older message never
// replaces a newer last message.
func (l *ChatList) UpsertSummary(chatID, lastContent string, lastAt time.Time, incrementUnread bool) Chat {
	c := l.stub(chatID)
	if !lastAt.Before(c.LastMessageAt) {
		c.LastMessageContent = lastContent
		c.LastMessageAt = lastAt
	}
	if incrementUnread {
		c.UnreadCount++
	}
	return *c
}

// ResetSummary sets the last message of a chat to last, or to the server reported
// last message if last is nil or older. It is used when the most recent local
// message is failed or discarded.
func (l *ChatList) ResetSummary(chatID string, last *Message) Chat {
	c := l.stub(chatID)
	s := l.baseline[chatID]
	if last != nil && !last.SentAt.Before(s.at) {
		s = summary{content: last.Content, at: last.SentAt}
	}
	c.LastMessageContent = s.content
	c.LastMessageAt = s.at
	return *c
}

// MarkRead clears the unread count of a chat.
func (l *ChatList) MarkRead(chatID string) {
	c := l.stub(chatID)
	c.UnreadCount = 0
	l.readAt[chatID] = l.clock.Now()
}

// Upsert adds a chat or enriches a known one with the given snapshot while keeping
// its local summary and unread count.
func (l *ChatList) Upsert(chat Chat) Chat {
	c, ok := l.chats[chat.ID]
	if !ok {
		if chat.CreatedAt.IsZero() {
			chat.CreatedAt = l.clock.Now()
		}
		chat.Participants = slices.Clone(chat.Participants)
		chat.DisplayName = l.displayName(chat)
		l.chats[chat.ID] = &chat
		l.baseline[chat.ID] = summary{content: chat.LastMessageContent, at: chat.LastMessageAt}
		return chat
	}
	l.enrich(c, chat)
	return *c
}

// Refresh merges a server snapshot of the chat list. Chats missing from the snapshot
// are kept.
func (l *ChatList) Refresh(chats []Chat) {
	for _, chat := range chats {
		l.baseline[chat.ID] = summary{content: chat.LastMessageContent, at: chat.LastMessageAt}

		c, ok := l.chats[chat.ID]
		if !ok {
			if chat.CreatedAt.IsZero() {
				chat.CreatedAt = l.clock.Now()
			}
			chat.Participants = slices.Clone(chat.Participants)
			chat.DisplayName = l.displayName(chat)
			l.chats[chat.ID] = &chat
			continue
		}

		l.enrich(c, chat)
		if chat.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessageContent = chat.LastMessageContent
			c.LastMessageAt = chat.LastMessageAt
		}
		// Unread counted locally since the last local read is authoritative when
		// the server has nothing newer than that read.
		if readAt, ok := l.readAt[chat.ID]; !ok || chat.LastMessageAt.After(readAt) {
			c.UnreadCount = max(c.UnreadCount, chat.UnreadCount)
		}
	}
}

func (l *ChatList) enrich(c *Chat, chat Chat) {
	c.Name = chat.Name
	if chat.Type != "" {
		c.Type = chat.Type
	}
	if len(chat.Participants) > 0 {
		c.Participants = slices.Clone(chat.Participants)
	}
	if !chat.CreatedAt.IsZero() {
		c.CreatedAt = chat.CreatedAt
	}
	c.Stub = false
	c.DisplayName = chat.DisplayName
	c.DisplayName = l.displayName(*c)
}

// Get returns the chat with the given id.
func (l *ChatList) Get(chatID string) (Chat, bool) {
	c, ok := l.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// List returns every chat, most recently active first. Chats without messages
// are ordered by creation time.
func (l *ChatList) List() []Chat {
	chats := make([]Chat, 0, len(l.chats))
	for _, c := range l.chats {
		chats = append(chats, *c)
	}
	slices.SortFunc(chats, func(a, b Chat) int {
		if c := b.sortKey().Compare(a.sortKey()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return chats
}

// displayName falls back from the display name to the chat name, then to the names
// of the other participants.
func (l *ChatList) displayName(c Chat) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if c.Name != "" {
		return c.Name
	}
	names := make([]string, 0, maxNamedParticipants)
	for _, p := range c.Participants {
		if p.ID == l.selfID {
			continue
		}
		if n := p.FullName(); n != "" {
			names = append(names, n)
		}
		if len(names) == maxNamedParticipants {
			break
		}
	}
	if len(names) > 0 {
		return strings.Join(names, ", ")
	}
	return "You"
}
