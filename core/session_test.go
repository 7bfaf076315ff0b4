package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = "1"

type fakeTransport struct {
	mu            sync.Mutex
	state         ConnectionState
	connectErr    error
	sendErr       error
	sent          []outboundMessage
	handlers      map[string]FrameHandler
	onStateChange func(from, to ConnectionState)
	disconnected  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]FrameHandler)}
}

func (t *fakeTransport) Subscribe(destination string, handler FrameHandler) (SubscriptionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[destination] = handler
	return &fakeTransportHandle{t: t, destination: destination}, nil
}

type fakeTransportHandle struct {
	t           *fakeTransport
	destination string
}

func (h *fakeTransportHandle) ID() string          { return "sub-" + h.destination }
func (h *fakeTransportHandle) Destination() string { return h.destination }
func (h *fakeTransportHandle) Unsubscribe() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	delete(h.t.handlers, h.destination)
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, credential Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.state = StateConnected
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnected = true
	from := t.state
	t.state = StateDisconnected
	f := t.onStateChange
	t.mu.Unlock()
	if f != nil && from != StateDisconnected {
		f(from, StateDisconnected)
	}
}

func (t *fakeTransport) Send(destination string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, payload.(outboundMessage))
	return nil
}

func (t *fakeTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnStateChange(f func(from, to ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = f
}

func (t *fakeTransport) transition(from, to ConnectionState) {
	t.mu.Lock()
	t.state = to
	f := t.onStateChange
	t.mu.Unlock()
	f(from, to)
}

// deliver delivers a message event to the inbox of the user.
func (t *fakeTransport) deliver(userID, body string) {
	t.mu.Lock()
	h := t.handlers[InboxDestination(userID)]
	t.mu.Unlock()
	if h != nil {
		f := frame.New(frame.MESSAGE)
		f.Body = []byte(body)
		h(f)
	}
}

type fakeChatAPI struct {
	mu        sync.Mutex
	chats     []Chat
	history   map[string][]Message
	listErr   error
	listCalls int
	// historyGate blocks History for a chat until it is closed.
	historyGate  map[string]chan struct{}
	historyErr   map[string]error
	historyCalls map[string]int

	// sendGate blocks SendMessage until it is closed.
	sendGate  chan struct{}
	sendErr   error
	sendSeq   int
	sendCalls int

	created     []CreateChatRequest
	createID    string
	listCreated bool

	users       []Participant
	searchCalls int
	searchLimit int
	clock       clock.Clock
}

func newFakeChatAPI(c clock.Clock) *fakeChatAPI {
	return &fakeChatAPI{
		history:      make(map[string][]Message),
		historyGate:  make(map[string]chan struct{}),
		historyErr:   make(map[string]error),
		historyCalls: make(map[string]int),
		clock:        c,
	}
}

func (a *fakeChatAPI) ListChats(ctx context.Context) ([]Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return slices.Clone(a.chats), nil
}

func (a *fakeChatAPI) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	a.mu.Lock()
	a.historyCalls[chatID]++
	gate := a.historyGate[chatID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.historyErr[chatID]; err != nil {
		return nil, err
	}
	return slices.Clone(a.history[chatID]), nil
}

func (a *fakeChatAPI) SendMessage(ctx context.Context, chatID, content, clientID string) (Message, error) {
	a.mu.Lock()
	a.sendCalls++
	gate := a.sendGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return Message{}, a.sendErr
	}
	a.sendSeq++
	return Message{
		ID:            fmt.Sprintf("m%d", a.sendSeq),
		ChatID:        chatID,
		Content:       content,
		SenderID:      selfID,
		SentAt:        a.clock.Now(),
		DeliveryState: DeliveryConfirmed,
	}, nil
}

func (a *fakeChatAPI) CreateChat(ctx context.Context, req CreateChatRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	if a.listCreated {
		a.chats = append(a.chats, Chat{ID: a.createID, Name: req.Name, Type: req.Type, CreatedAt: a.clock.Now()})
	}
	return a.createID, nil
}

func (a *fakeChatAPI) SearchUsers(ctx context.Context, query string, limit int) ([]Participant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searchCalls++
	a.searchLimit = limit
	return a.users, nil
}

type sessionFixture struct {
	t         *testing.T
	clock     *clock.Mock
	transport *fakeTransport
	api       *fakeChatAPI
	session   *Session
}

func setUpSession(t *testing.T, configure func(*SessionConfig)) *sessionFixture {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	f := &sessionFixture{
		t:         t,
		clock:     mock,
		transport: newFakeTransport(),
		api:       newFakeChatAPI(mock),
	}
	config := DefaultSessionConfig
	config.CreateChatBackoff = time.Millisecond
	if configure != nil {
		configure(&config)
	}
	s, err := NewSession(Credential{Token: testToken, UserID: selfID}, f.transport, f.api,
		WithSessionClock(mock),
		WithSessionConfig(config),
		WithSessionLogger(newTestLogger()),
	)
	require.NoError(t, err)
	f.session = s
	t.Cleanup(s.Close)
	return f
}

func (f *sessionFixture) start() {
	require.NoError(f.t, f.session.Start(context.Background()))
}

// waitEvent consumes events until one of type et for chatID arrives.
func (f *sessionFixture) waitEvent(et EventType, chatID string) Event {
	timeout := time.After(baseTimeout)
	for {
		select {
		case e, ok := <-f.session.Events():
			require.True(f.t, ok, "events closed while waiting for %s", et)
			if e.Type == et && (chatID == "" || e.ChatID == chatID) {
				return e
			}
		case <-timeout:
			require.FailNow(f.t, "timeout", "waiting for %s event", et)
		}
	}
}

func (f *sessionFixture) chat(chatID string) Chat {
	for _, c := range f.session.Chats() {
		if c.ID == chatID {
			return c
		}
	}
	require.FailNow(f.t, "chat not listed", chatID)
	return Chat{}
}

func messageEvent(id, chatID, content, senderID string, at time.Time) string {
	return fmt.Sprintf(`{"id":%q,"chatId":%q,"content":%q,"sentAt":%q,"senderId":%q}`,
		id, chatID, content, at.Format(time.RFC3339Nano), senderID)
}

func TestNewSession(t *testing.T) {
	_, err := NewSession(Credential{}, newFakeTransport(), newFakeChatAPI(clock.New()))
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = NewSession(Credential{Token: "t"}, newFakeTransport(), newFakeChatAPI(clock.New()))
	assert.ErrorIs(t, err, ErrNoCredential)

	mock := clock.NewMock()
	_, err = NewSession(Credential{Token: "t", UserID: "1", ExpiresAt: mock.Now().Add(-time.Minute)},
		newFakeTransport(), newFakeChatAPI(mock), WithSessionClock(mock))
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestSessionStart(t *testing.T) {
	t.Run("subscribes to inbox and loads chats", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.chats = []Chat{{ID: "42", Name: "Team"}}
		f.start()

		assert.Contains(t, f.transport.handlers, "/user/1/queue/messages")
		assert.Equal(t, StateConnected, f.session.State())
		require.Len(t, f.session.Chats(), 1)
		assert.Equal(t, "Team", f.session.Chats()[0].DisplayName)
	})

	t.Run("connect failure is returned", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.transport.connectErr = ErrNoCredential
		assert.ErrorIs(t, f.session.Start(context.Background()), ErrNoCredential)
	})

	t.Run("chat list failure is not fatal", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.listErr = errors.New("boom")
		f.start()
		assert.Empty(t, f.session.Chats())
	})
}

func TestSessionSendAndConfirm(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.chats = []Chat{
		{ID: "7", LastMessageContent: "old", LastMessageAt: f.clock.Now().Add(-time.Hour)},
		{ID: "42", CreatedAt: f.clock.Now().Add(-2 * time.Hour)},
	}
	f.api.sendGate = make(chan struct{})
	f.start()

	require.NoError(t, f.session.SelectChat(context.Background(), "42"))
	assert.Empty(t, f.session.Messages("42"))

	pending, err := f.session.SendMessage(context.Background(), "42", "Hello")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, pending.DeliveryState)
	msgs := f.session.Messages("42")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryPending, msgs[0].DeliveryState)

	// the inbox event arrives before the send call returns
	f.transport.deliver(selfID, messageEvent("m1", "42", "Hello", selfID, f.clock.Now().Add(100*time.Millisecond)))
	e := f.waitEvent(EventMessage, "42")
	for e.Message.ID != "m1" {
		e = f.waitEvent(EventMessage, "42")
	}
	assert.Equal(t, pending.ID, e.ReplacedID)

	close(f.api.sendGate)
	require.Eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.sendCalls == 1
	}, baseTimeout, baseTimeout/20)

	msgs = f.session.Messages("42")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, DeliveryConfirmed, msgs[0].DeliveryState)

	chats := f.session.Chats()
	require.NotEmpty(t, chats)
	assert.Equal(t, "42", chats[0].ID)
	assert.Equal(t, "Hello", chats[0].LastMessageContent)
	assert.Zero(t, chats[0].UnreadCount)
}

func TestSessionServerLocation(t *testing.T) {
	f := setUpSession(t, func(c *SessionConfig) {
		c.ServerLocation = time.FixedZone("ICT", 7*60*60)
	})
	f.api.chats = []Chat{{ID: "42"}}
	f.api.sendGate = make(chan struct{})
	defer close(f.api.sendGate)
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	_, err := f.session.SendMessage(context.Background(), "42", "Hello")
	require.NoError(t, err)

	// 17:00:00.1 in the server's zone is 10:00:00.1 UTC
	f.transport.deliver(selfID, `{"id":"m1","chatId":"42","content":"Hello","sentAt":"2024-05-01T17:00:00.1","senderId":"1"}`)
	f.transport.deliver(selfID, messageEvent("m2", "42", "Reply", "2", f.clock.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		return len(f.session.Messages("42")) == 2
	}, baseTimeout, baseTimeout/20)

	msgs := f.session.Messages("42")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, DeliveryConfirmed, msgs[0].DeliveryState)
	assert.True(t, f.clock.Now().Add(100*time.Millisecond).Equal(msgs[0].SentAt), "got %v", msgs[0].SentAt)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestSessionSendConfirmedByResponse(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.chats = []Chat{{ID: "42"}}
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	pending, err := f.session.SendMessage(context.Background(), "42", "  Hi  ")
	require.NoError(t, err)
	assert.Equal(t, "Hi", pending.Content)

	e := f.waitEvent(EventMessage, "42")
	for !e.Message.Confirmed() {
		e = f.waitEvent(EventMessage, "42")
	}
	assert.Equal(t, "m1", e.Message.ID)
	assert.Equal(t, pending.ClientID, e.Message.ClientID)

	// late inbox copy is dropped
	f.transport.deliver(selfID, messageEvent("m1", "42", "Hi", selfID, f.clock.Now()))
	require.Len(t, f.session.Messages("42"), 1)
}

func TestSessionSendFailure(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.chats = []Chat{{ID: "42", LastMessageContent: "before", LastMessageAt: f.clock.Now().Add(-time.Minute)}}
	f.api.sendErr = errors.New("network down")
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	pending, err := f.session.SendMessage(context.Background(), "42", "Hello")
	require.NoError(t, err)

	e := f.waitEvent(EventMessageFailed, "42")
	assert.ErrorIs(t, e.Err, ErrSendFailure)
	assert.Equal(t, pending.ClientID, e.Message.ClientID)

	msgs := f.session.Messages("42")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)
	assert.Equal(t, "before", f.chat("42").LastMessageContent)

	// pending timeout does not produce a confirmed duplicate
	f.clock.Add(DefaultPendingTimeout + time.Second)
	msgs = f.session.Messages("42")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)

	t.Run("retry", func(t *testing.T) {
		f.api.mu.Lock()
		f.api.sendErr = nil
		f.api.mu.Unlock()

		require.NoError(t, f.session.RetryMessage(context.Background(), "42", pending.ClientID))
		require.Eventually(t, func() bool {
			msgs := f.session.Messages("42")
			return len(msgs) == 1 && msgs[0].Confirmed()
		}, baseTimeout, baseTimeout/20)
		assert.Equal(t, "Hello", f.chat("42").LastMessageContent)

		assert.ErrorIs(t, f.session.RetryMessage(context.Background(), "42", pending.ClientID), ErrMessageNotFound)
	})
}

func TestSessionDiscardMessage(t *testing.T) {
	f := setUpSession(t, func(c *SessionConfig) { c.SendVia = SendViaStomp })
	f.transport.sendErr = ErrNotConnected
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	pending, err := f.session.SendMessage(context.Background(), "42", "Hello")
	require.NoError(t, err)
	f.waitEvent(EventMessageFailed, "42")

	require.NoError(t, f.session.DiscardMessage(context.Background(), "42", pending.ClientID))
	e := f.waitEvent(EventMessageRemoved, "42")
	assert.Equal(t, pending.ID, e.Message.ID)
	assert.Empty(t, f.session.Messages("42"))

	assert.ErrorIs(t, f.session.DiscardMessage(context.Background(), "42", pending.ClientID), ErrMessageNotFound)
}

func TestSessionSendViaStomp(t *testing.T) {
	f := setUpSession(t, func(c *SessionConfig) { c.SendVia = SendViaStomp })
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	pending, err := f.session.SendMessage(context.Background(), "42", "Hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return len(f.transport.sent) == 1
	}, baseTimeout, baseTimeout/20)
	assert.Equal(t, outboundMessage{ChatID: "42", Content: "Hello", ClientMessageID: pending.ClientID}, f.transport.sent[0])

	t.Run("expires when never confirmed", func(t *testing.T) {
		f.clock.Add(DefaultPendingTimeout)
		require.Eventually(t, func() bool {
			// keep ticking until a sweep observes the timeout
			f.clock.Add(time.Second)
			msgs := f.session.Messages("42")
			return len(msgs) == 1 && msgs[0].DeliveryState == DeliveryFailed
		}, baseTimeout, baseTimeout/20)
		e := f.waitEvent(EventMessageFailed, "42")
		assert.ErrorIs(t, e.Err, ErrSendFailure)
		msgs := f.session.Messages("42")
		require.Len(t, msgs, 1)
		assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)
	})
}

func TestSessionSendValidation(t *testing.T) {
	f := setUpSession(t, nil)
	f.start()

	_, err := f.session.SendMessage(context.Background(), "42", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = f.session.SendMessage(context.Background(), "42", "Hello")
	assert.ErrorIs(t, err, ErrNoChatSelected)

	require.NoError(t, f.session.SelectChat(context.Background(), "42"))
	_, err = f.session.SendMessage(context.Background(), "7", "Hello")
	assert.ErrorIs(t, err, ErrNoChatSelected)
}

func TestSessionUnreadSuppression(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.chats = []Chat{{ID: "42"}, {ID: "7"}}
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	f.transport.deliver(selfID, messageEvent("a", "42", "to focused", "2", f.clock.Now()))
	f.waitEvent(EventMessage, "42")
	f.transport.deliver(selfID, messageEvent("b", "7", "to other", "2", f.clock.Now()))
	f.waitEvent(EventMessage, "7")

	assert.Zero(t, f.chat("42").UnreadCount)
	assert.Equal(t, 1, f.chat("7").UnreadCount)
	assert.Equal(t, "to other", f.chat("7").LastMessageContent)

	// redelivery does not count twice
	f.transport.deliver(selfID, messageEvent("b", "7", "to other", "2", f.clock.Now()))
	assert.Equal(t, 1, f.chat("7").UnreadCount)

	// own messages from another device do not count
	f.transport.deliver(selfID, messageEvent("c", "7", "mine", selfID, f.clock.Now()))
	f.waitEvent(EventMessage, "7")
	assert.Equal(t, 1, f.chat("7").UnreadCount)

	require.NoError(t, f.session.SelectChat(context.Background(), "7"))
	assert.Zero(t, f.chat("7").UnreadCount)
}

func TestSessionRefreshKeepsFocusedChatRead(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.chats = []Chat{{ID: "42"}, {ID: "7"}}
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	f.clock.Add(time.Second)
	at := f.clock.Now()
	f.transport.deliver(selfID, messageEvent("a", "42", "a", "2", at))
	f.waitEvent(EventMessage, "42")
	require.Zero(t, f.chat("42").UnreadCount)

	// the server has not seen the focused chat read since "a" arrived
	f.api.mu.Lock()
	f.api.chats = []Chat{
		{ID: "42", LastMessageContent: "a", LastMessageAt: at, UnreadCount: 1},
		{ID: "7", LastMessageContent: "b", LastMessageAt: at, UnreadCount: 2},
	}
	f.api.mu.Unlock()

	require.NoError(t, f.session.RefreshChats(context.Background()))
	assert.Zero(t, f.chat("42").UnreadCount)
	assert.Equal(t, 2, f.chat("7").UnreadCount)

	// the refresh after a reconnect behaves the same
	later := at.Add(time.Second)
	f.api.mu.Lock()
	f.api.chats = []Chat{
		{ID: "42", LastMessageContent: "c", LastMessageAt: later, UnreadCount: 2},
		{ID: "7", LastMessageContent: "d", LastMessageAt: later, UnreadCount: 3},
	}
	f.api.mu.Unlock()
	f.transport.transition(StateConnected, StateReconnecting)
	f.transport.transition(StateReconnecting, StateConnected)
	require.Eventually(t, func() bool {
		return f.chat("7").LastMessageContent == "d"
	}, baseTimeout, baseTimeout/20)
	assert.Zero(t, f.chat("42").UnreadCount)
	assert.Equal(t, 3, f.chat("7").UnreadCount)
}

func TestSessionInboundForUnknownChat(t *testing.T) {
	f := setUpSession(t, nil)
	f.start()
	f.api.mu.Lock()
	f.api.chats = []Chat{{ID: "9", Name: "New"}}
	f.api.mu.Unlock()

	f.transport.deliver(selfID, messageEvent("x", "9", "hey", "2", f.clock.Now()))
	require.Eventually(t, func() bool {
		for _, c := range f.session.Chats() {
			if c.ID == "9" && !c.Stub {
				return true
			}
		}
		return false
	}, baseTimeout, baseTimeout/20)

	c := f.chat("9")
	assert.Equal(t, "New", c.DisplayName)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "hey", c.LastMessageContent)
}

func TestSessionMalformedInboundIsDropped(t *testing.T) {
	f := setUpSession(t, nil)
	f.start()

	f.transport.deliver(selfID, `{"content":"no ids"}`)
	f.transport.deliver(selfID, `not json`)
	f.transport.deliver(selfID, messageEvent("ok", "5", "fine", "2", f.clock.Now()))
	f.waitEvent(EventMessage, "5")
	assert.Len(t, f.session.Messages("5"), 1)
}

func TestSessionSelectChat(t *testing.T) {
	t.Run("loads history once", func(t *testing.T) {
		f := setUpSession(t, nil)
		now := f.clock.Now()
		f.api.history["42"] = []Message{
			{ID: "h1", ChatID: "42", Content: "first", SentAt: now.Add(-2 * time.Minute), SenderID: "2", DeliveryState: DeliveryConfirmed},
			{ID: "h2", ChatID: "42", Content: "second", SentAt: now.Add(-time.Minute), SenderID: "2", DeliveryState: DeliveryConfirmed},
		}
		f.start()

		require.NoError(t, f.session.SelectChat(context.Background(), "42"))
		assert.Equal(t, "42", f.session.Focus())
		msgs := f.session.Messages("42")
		require.Len(t, msgs, 2)
		assert.Equal(t, "h1", msgs[0].ID)
		assert.Equal(t, "second", f.chat("42").LastMessageContent)

		require.NoError(t, f.session.SelectChat(context.Background(), "42"))
		assert.Equal(t, 1, f.api.historyCalls["42"])
	})

	t.Run("superseded load is discarded", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.history["1"] = []Message{{ID: "late", ChatID: "1", Content: "late", SentAt: f.clock.Now(), DeliveryState: DeliveryConfirmed}}
		gate := make(chan struct{})
		f.api.historyGate["1"] = gate
		f.start()

		errc := make(chan error, 1)
		go func() {
			errc <- f.session.SelectChat(context.Background(), "1")
		}()
		require.Eventually(t, func() bool {
			f.api.mu.Lock()
			defer f.api.mu.Unlock()
			return f.api.historyCalls["1"] == 1
		}, baseTimeout, baseTimeout/20)

		require.NoError(t, f.session.SelectChat(context.Background(), "2"))
		close(gate)

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrSelectionSuperseded)
		case <-time.After(baseTimeout):
			require.Fail(t, "SelectChat did not return")
		}
		assert.Equal(t, "2", f.session.Focus())
		assert.Empty(t, f.session.Messages("1"))
	})

	t.Run("load failure can be retried", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.historyErr["42"] = errors.New("503")
		f.start()

		err := f.session.SelectChat(context.Background(), "42")
		assert.ErrorIs(t, err, ErrHistoryLoadFailure)

		f.api.mu.Lock()
		delete(f.api.historyErr, "42")
		f.api.mu.Unlock()
		require.NoError(t, f.session.SelectChat(context.Background(), "42"))
		assert.Equal(t, 2, f.api.historyCalls["42"])
	})
}

func TestSessionReconnectReloads(t *testing.T) {
	f := setUpSession(t, nil)
	f.start()
	require.NoError(t, f.session.SelectChat(context.Background(), "42"))

	f.transport.transition(StateConnected, StateReconnecting)
	e := f.waitEvent(EventConnectionState, "")
	assert.Equal(t, StateReconnecting, e.State)

	f.api.mu.Lock()
	f.api.history["42"] = []Message{{ID: "missed", ChatID: "42", Content: "while offline", SentAt: f.clock.Now(), SenderID: "2", DeliveryState: DeliveryConfirmed}}
	f.api.mu.Unlock()

	f.transport.transition(StateReconnecting, StateConnected)
	require.Eventually(t, func() bool {
		msgs := f.session.Messages("42")
		return len(msgs) == 1 && msgs[0].ID == "missed"
	}, baseTimeout, baseTimeout/20)

	require.Eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.listCalls >= 2
	}, baseTimeout, baseTimeout/20)
}

func TestSessionCreateChat(t *testing.T) {
	t.Run("selects the created chat", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.createID = "99"
		f.api.listCreated = true
		f.start()

		id, err := f.session.CreateChat(context.Background(), CreateChatRequest{ParticipantIDs: []string{"2"}})
		require.NoError(t, err)
		assert.Equal(t, "99", id)
		assert.Equal(t, "99", f.session.Focus())
		require.Len(t, f.api.created, 1)
		assert.Equal(t, DirectChat, f.api.created[0].Type)
		assert.False(t, f.chat("99").Stub)
	})

	t.Run("group type for many participants", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.api.createID = "100"
		f.api.listCreated = true
		f.start()

		_, err := f.session.CreateChat(context.Background(), CreateChatRequest{ParticipantIDs: []string{"2", "3"}, Name: "Case"})
		require.NoError(t, err)
		assert.Equal(t, GroupChat, f.api.created[0].Type)
		assert.Equal(t, "Case", f.chat("100").DisplayName)
	})

	t.Run("added locally when never listed", func(t *testing.T) {
		f := setUpSession(t, func(c *SessionConfig) { c.CreateChatRetries = 1 })
		f.api.createID = "101"
		f.start()

		id, err := f.session.CreateChat(context.Background(), CreateChatRequest{ParticipantIDs: []string{"2"}})
		require.NoError(t, err)
		assert.Equal(t, "101", id)
		assert.Equal(t, "101", f.session.Focus())
		f.chat("101")
	})

	t.Run("no participants", func(t *testing.T) {
		f := setUpSession(t, nil)
		f.start()
		_, err := f.session.CreateChat(context.Background(), CreateChatRequest{})
		assert.ErrorIs(t, err, ErrNoParticipants)
		assert.Empty(t, f.api.created)
	})
}

func TestSessionSearchParticipants(t *testing.T) {
	f := setUpSession(t, nil)
	f.api.users = []Participant{{ID: "2", FirstName: "Ann", LastName: "Lee"}}
	f.start()

	users, err := f.session.SearchParticipants(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Zero(t, f.api.searchCalls)

	users, err = f.session.SearchParticipants(context.Background(), "ann")
	require.NoError(t, err)
	assert.Equal(t, f.api.users, users)
	assert.Equal(t, DefaultSessionConfig.SearchLimit, f.api.searchLimit)
}

func TestSessionClose(t *testing.T) {
	f := setUpSession(t, nil)
	f.start()

	f.session.Close()
	assert.True(t, f.transport.disconnected)
	assert.NotContains(t, f.transport.handlers, "/user/1/queue/messages")

	_, err := f.session.SendMessage(context.Background(), "42", "Hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionClosed)

	// events drain and close
	waitOrTimeout(t, func() {
		for range f.session.Events() {
		}
	}, baseTimeout, "events channel not closed")
}

func TestSessionCredentialExpiry(t *testing.T) {
	mock := clock.NewMock()
	tr := newFakeTransport()
	s, err := NewSession(Credential{Token: testToken, UserID: selfID, ExpiresAt: mock.Now().Add(time.Hour)}, tr, newFakeChatAPI(mock),
		WithSessionClock(mock),
		WithSessionLogger(newTestLogger()),
	)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	mock.Add(time.Hour)
	var closed Event
	waitOrTimeout(t, func() {
		for e := range s.Events() {
			if e.Type == EventSessionClosed {
				closed = e
			}
		}
	}, baseTimeout, "session not closed on credential expiry")
	assert.ErrorIs(t, closed.Err, ErrCredentialExpired)
	assert.True(t, tr.disconnected)
}
