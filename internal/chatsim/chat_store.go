package chatsim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type ChatStore struct {
	db    *sql.DB
	users *UserStore
	now   func() time.Time
}

func NewChatStore(db *sql.DB, users *UserStore) *ChatStore {
	return &ChatStore{
		db:    db,
		users: users,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateChat creates a chat between the creator and the given participants and returns
// its id. Creating a direct chat that already exists returns the existing chat with
// created set to false. The type defaults to DIRECT for a single other participant.
func (s *ChatStore) CreateChat(ctx context.Context, creatorID int64, input ChatCreateInput) (id int64, created bool, err error) {
	if err := validate.Struct(input); err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidChat, err)
	}
	members := []int64{creatorID}
	for _, p := range input.ParticipantIDs {
		if !slices.Contains(members, int64(p)) {
			members = append(members, int64(p))
		}
	}
	if len(members) < 2 {
		return 0, false, fmt.Errorf("%w: no other participant", ErrInvalidChat)
	}
	for _, m := range members {
		u, err := s.users.GetUserByID(ctx, m)
		if err != nil {
			return 0, false, fmt.Errorf("GetUserByID: %w", err)
		}
		if u == nil {
			return 0, false, ErrInvalidUser
		}
	}

	chatType := input.Type
	if chatType == "" {
		chatType = DirectChat
		if len(members) > 2 {
			chatType = GroupChat
		}
	}
	var directKey sql.NullString
	if chatType == DirectChat {
		if len(members) != 2 {
			return 0, false, fmt.Errorf("%w: a direct chat has exactly two members", ErrInvalidChat)
		}
		pair := slices.Clone(members)
		slices.Sort(pair)
		directKey = sql.NullString{String: fmt.Sprintf("%d:%d", pair[0], pair[1]), Valid: true}

		row := s.db.QueryRowContext(ctx, "SELECT id FROM chats WHERE direct_key = ?", directKey)
		if err := row.Scan(&id); err == nil {
			return id, false, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("scanning direct chat: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
	INSERT INTO chats (name, type, direct_key, created_at)
	VALUES (@name, @type, @direct_key, @created_at) RETURNING id`,
		sql.Named("name", strings.TrimSpace(input.Name)),
		sql.Named("type", chatType),
		sql.Named("direct_key", directKey),
		sql.Named("created_at", s.now()),
	)
	if err := row.Scan(&id); err != nil {
		return 0, false, fmt.Errorf("inserting chat: %w", err)
	}
	for _, m := range members {
		_, err := tx.ExecContext(ctx, "INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)", id, m)
		if err != nil {
			return 0, false, fmt.Errorf("inserting chat member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("Commit: %w", err)
	}
	return id, true, nil
}

// GetUserChats returns the chats of a user, most recently active first.
func (s *ChatStore) GetUserChats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT c.id, c.name, c.type, c.created_at, m.content, m.sent_at,
		(SELECT count(*) FROM messages AS u
		 WHERE u.chat_id = c.id AND u.id > cm.last_read_message_id AND u.sender_id != cm.user_id)
	FROM chat_members AS cm
	INNER JOIN chats AS c ON c.id = cm.chat_id
	LEFT JOIN messages AS m ON m.id = (SELECT max(id) FROM messages WHERE chat_id = c.id)
	WHERE cm.user_id = @user_id
	ORDER BY coalesce(m.sent_at, c.created_at) DESC, c.id ASC`,
		sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	chats := []ChatSummary{}
	for rows.Next() {
		var (
			c       ChatSummary
			content sql.NullString
			sentAt  sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.ChatName, &c.ChatType, &c.CreatedAt, &content, &sentAt, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		c.LastMessageContent = content.String
		if sentAt.Valid {
			t := sentAt.Time
			c.LastMessageAt = &t
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	for i := range chats {
		members, err := s.members(ctx, chats[i].ID)
		if err != nil {
			return nil, err
		}
		chats[i].Participants = members
	}
	return chats, nil
}

func (s *ChatStore) members(ctx context.Context, chatID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT u.id, u.username, u.first_name, u.last_name, u.image, u.is_lawyer, u.is_judge
	FROM chat_members AS cm INNER JOIN users AS u ON u.id = cm.user_id
	WHERE cm.chat_id = ? ORDER BY u.id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(members): %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MemberIDs returns the ids of the members of a chat.
func (s *ChatStore) MemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id", chatID)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(member ids): %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// checkMember returns ErrChatNotFound or ErrNotMember when the user cannot access the chat.
func (s *ChatStore) checkMember(ctx context.Context, chatID, userID int64) error {
	row := s.db.QueryRowContext(ctx, `
	SELECT count(cm.user_id) FROM chats AS c
	LEFT JOIN chat_members AS cm ON cm.chat_id = c.id AND cm.user_id = @user_id
	WHERE c.id = @chat_id
	GROUP BY c.id`, sql.Named("chat_id", chatID), sql.Named("user_id", userID))
	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChatNotFound
		}
		return fmt.Errorf("checking membership: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

// GetMessages returns the latest limit messages of a chat, oldest first, and marks
// them read for the user.
func (s *ChatStore) GetMessages(ctx context.Context, chatID, userID int64, limit int) ([]Message, error) {
	if err := s.checkMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, chat_id, sender_id, content, client_message_id, sent_at
	FROM messages WHERE chat_id = @chat_id
	ORDER BY id DESC LIMIT @limit`,
		sql.Named("chat_id", chatID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.ClientMessageID, &m.SentAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	slices.Reverse(messages)

	if len(messages) > 0 {
		if err := s.markRead(ctx, s.db, chatID, userID, messages[len(messages)-1].ID); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *ChatStore) markRead(ctx context.Context, db execer, chatID, userID, messageID int64) error {
	_, err := db.ExecContext(ctx, `
	UPDATE chat_members SET last_read_message_id = max(last_read_message_id, @message_id)
	WHERE chat_id = @chat_id AND user_id = @user_id`,
		sql.Named("message_id", messageID), sql.Named("chat_id", chatID), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("updating last read: %w", err)
	}
	return nil
}

// SendMessage stores a message from a member of the chat. The sender's read marker
// moves to the new message.
func (s *ChatStore) SendMessage(ctx context.Context, input MessageCreateInput) (Message, error) {
	input.Content = strings.TrimSpace(input.Content)
	if err := validate.Struct(input); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := s.checkMember(ctx, input.ChatID, input.SenderID); err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	m := Message{
		ChatID:          input.ChatID,
		SenderID:        input.SenderID,
		Content:         input.Content,
		ClientMessageID: input.ClientMessageID,
		SentAt:          s.now(),
	}
	row := tx.QueryRowContext(ctx, `
	INSERT INTO messages (chat_id, sender_id, content, client_message_id, sent_at)
	VALUES (@chat_id, @sender_id, @content, @client_message_id, @sent_at) RETURNING id`,
		sql.Named("chat_id", m.ChatID),
		sql.Named("sender_id", m.SenderID),
		sql.Named("content", m.Content),
		sql.Named("client_message_id", m.ClientMessageID),
		sql.Named("sent_at", m.SentAt),
	)
	if err := row.Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if err := s.markRead(ctx, tx, m.ChatID, m.SenderID, m.ID); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("Commit: %w", err)
	}
	return m, nil
}
