package chatsim

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newClientSession signs in over HTTP and starts a sync session against the server.
func (s *testServer) newClientSession(t *testing.T, username string, sendVia core.SendMode) *core.Session {
	ctx := context.Background()
	auth := &core.HTTPAuthenticator{BaseURL: s.URL}
	cred, err := auth.Signin(ctx, username, testPassword)
	require.NoError(t, err)

	tr := core.NewTransport(core.TransportConfig{
		URL:              s.wsURL(),
		HandshakeTimeout: baseTimeout,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, core.WithTransportLogger(discardLogger()))
	api := core.NewHTTPChatAPI(s.URL, core.StaticCredential(cred), nil)

	config := core.DefaultSessionConfig
	config.SendVia = sendVia
	config.CreateChatBackoff = 10 * time.Millisecond
	sess, err := core.NewSession(cred, tr, api,
		core.WithSessionConfig(config),
		core.WithSessionLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	require.NoError(t, sess.Start(ctx))
	return sess
}

func findChat(sess *core.Session, chatID string) (core.Chat, bool) {
	for _, c := range sess.Chats() {
		if c.ID == chatID {
			return c, true
		}
	}
	return core.Chat{}, false
}

// confirmed returns the contents of the confirmed messages of a chat in order.
func confirmed(sess *core.Session, chatID string) []string {
	var out []string
	for _, m := range sess.Messages(chatID) {
		if m.Confirmed() {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestSessionAgainstServer(t *testing.T) {
	s := newTestServer(t)
	alice, bob := s.f.seedUser("alice"), s.f.seedUser("bob")
	ctx := context.Background()

	aliceSess := s.newClientSession(t, "alice", core.SendViaREST)
	bobSess := s.newClientSession(t, "bob", core.SendViaStomp)
	require.Eventually(t, func() bool {
		return s.srv.Broker().Subscribed(alice.ID) && s.srv.Broker().Subscribed(bob.ID)
	}, baseTimeout, baseTimeout/20)

	chatID, err := aliceSess.CreateChat(ctx, core.CreateChatRequest{
		ParticipantIDs: []string{strconv.FormatInt(bob.ID, 10)},
	})
	require.NoError(t, err)
	assert.Equal(t, chatID, aliceSess.Focus())
	chat, ok := findChat(aliceSess, chatID)
	require.True(t, ok)
	assert.Equal(t, core.DirectChat, chat.Type)
	assert.False(t, chat.Stub)

	t.Run("rest send is confirmed once", func(t *testing.T) {
		pending, err := aliceSess.SendMessage(ctx, chatID, "hello bob")
		require.NoError(t, err)
		assert.False(t, pending.Confirmed())

		require.Eventually(t, func() bool {
			msgs := aliceSess.Messages(chatID)
			return len(msgs) == 1 && msgs[0].Confirmed()
		}, baseTimeout, baseTimeout/20)
		// the inbox echo must not duplicate it
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, aliceSess.Messages(chatID), 1)
	})

	t.Run("recipient learns of the chat", func(t *testing.T) {
		require.Eventually(t, func() bool {
			c, ok := findChat(bobSess, chatID)
			return ok && !c.Stub && c.UnreadCount == 1 && c.LastMessageContent == "hello bob"
		}, baseTimeout, baseTimeout/20)

		require.NoError(t, bobSess.SelectChat(ctx, chatID))
		assert.Equal(t, []string{"hello bob"}, confirmed(bobSess, chatID))
		c, _ := findChat(bobSess, chatID)
		assert.Zero(t, c.UnreadCount)
	})

	t.Run("stomp send is confirmed by the echo", func(t *testing.T) {
		_, err := bobSess.SendMessage(ctx, chatID, "hi alice")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			msgs := bobSess.Messages(chatID)
			return len(msgs) == 2 && msgs[1].Confirmed() && msgs[1].Content == "hi alice"
		}, baseTimeout, baseTimeout/20)
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"hello bob", "hi alice"}, confirmed(aliceSess, chatID))
		}, baseTimeout, baseTimeout/20)
	})

	t.Run("reconnects after the connection drops", func(t *testing.T) {
		s.srv.Broker().DropConnections()
		require.Eventually(t, func() bool {
			return aliceSess.State() == core.StateConnected &&
				bobSess.State() == core.StateConnected &&
				s.srv.Broker().Subscribed(alice.ID) &&
				s.srv.Broker().Subscribed(bob.ID)
		}, baseTimeout, baseTimeout/20)

		_, err := bobSess.SendMessage(ctx, chatID, "after the drop")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"hello bob", "hi alice", "after the drop"}, confirmed(aliceSess, chatID))
		}, baseTimeout, baseTimeout/20)
	})

	t.Run("search participants", func(t *testing.T) {
		found, err := aliceSess.SearchParticipants(ctx, "bo")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, strconv.FormatInt(bob.ID, 10), found[0].ID)
	})
}
