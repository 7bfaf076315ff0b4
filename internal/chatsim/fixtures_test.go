package chatsim

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPassword = "password"

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *SQLiteDB
	users *UserStore
	chats *ChatStore
}

func newFixture(t *testing.T) *fixture {
	db, err := OpenSQLiteDB(filepath.Join(t.TempDir(), "chatsim.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := NewUserStore(db.DB)
	chats := NewChatStore(db.DB, users)
	// each call is one second after the previous so ordering is deterministic
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var ticks int
	chats.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}
	return &fixture{t: t, ctx: context.Background(), db: db, users: users, chats: chats}
}

func (f *fixture) seedUser(username string) User {
	u, err := f.users.CreateUser(f.ctx, UserCreateInput{
		Username:  username,
		Password:  testPassword,
		FirstName: username,
		LastName:  "Tester",
	})
	require.NoError(f.t, err)
	return u
}

func (f *fixture) seedChat(creator User, others ...User) int64 {
	ids := make([]ID, 0, len(others))
	for _, o := range others {
		ids = append(ids, ID(o.ID))
	}
	id, _, err := f.chats.CreateChat(f.ctx, creator.ID, ChatCreateInput{ParticipantIDs: ids})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) send(from User, chatID int64, content string) Message {
	m, err := f.chats.SendMessage(f.ctx, MessageCreateInput{ChatID: chatID, SenderID: from.ID, Content: content})
	require.NoError(f.t, err)
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
