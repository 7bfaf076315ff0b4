package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SendDestination is the application destination messages are sent to over STOMP.
const SendDestination = "/app/chat"

// SendMode selects how outbound messages reach the server.
type SendMode string

const (
	SendViaREST  SendMode = "rest"
	SendViaStomp SendMode = "stomp"
)

const localIDPrefix = "local-"

type SessionConfig struct {
	HistoryLimit int
	SearchLimit  int
	SendVia      SendMode
	// SendRate limits sends per second. Zero means unlimited.
	SendRate  float64
	SendBurst int
	// EventBuffer is the capacity of the Events channel. Events are dropped when it is full.
	EventBuffer int
	// SweepInterval is how often pending messages are checked for the pending timeout.
	SweepInterval     time.Duration
	CorrelationWindow time.Duration
	ReorderThreshold  time.Duration
	PendingTimeout    time.Duration
	// CreateChatRetries bounds the list refreshes waiting for a created chat to appear.
	CreateChatRetries uint64
	CreateChatBackoff time.Duration
	// ServerLocation is the zone of inbox timestamps sent without one. Nil means UTC.
	ServerLocation *time.Location
}

var DefaultSessionConfig = SessionConfig{
	HistoryLimit:      50,
	SearchLimit:       10,
	SendVia:           SendViaREST,
	SendRate:          5,
	SendBurst:         10,
	EventBuffer:       256,
	SweepInterval:     time.Second,
	CorrelationWindow: DefaultCorrelationWindow,
	ReorderThreshold:  DefaultReorderThreshold,
	PendingTimeout:    DefaultPendingTimeout,
	CreateChatRetries: 3,
	CreateChatBackoff: 500 * time.Millisecond,
}

// RealtimeTransport is the part of Transport used by a Session.
type RealtimeTransport interface {
	Subscriber
	Connect(ctx context.Context, credential Credential) error
	Disconnect()
	Send(destination string, payload any) error
	State() ConnectionState
	OnStateChange(func(from, to ConnectionState))
}

// Session binds the transport, registry, reconciler and chat list of one logged in
// user and exposes the chat operations.
//
// All session state is owned by a single event loop goroutine. Public methods run
// their state changes on the loop and wait for them; network calls run on their own
// goroutines and post their results back to the loop, so inbound messages keep
// flowing while a call is in flight.
type Session struct {
	userID     string
	credential Credential
	config     SessionConfig

	transport  RealtimeTransport
	api        ChatAPI
	registry   *SubscriptionRegistry
	reconciler *Reconciler
	chats      *ChatList
	limiter    *rate.Limiter
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics

	ops    chan func()
	events chan Event
	sweep  *clock.Ticker
	expiry *clock.Timer
	done   chan struct{}
	// ctx is cancelled when the session closes, aborting in-flight calls.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop.
	focus      string
	generation uint64
	refreshing bool
}

type SessionOption func(*Session)

func WithSessionConfig(c SessionConfig) SessionOption {
	return func(s *Session) {
		s.config = c
	}
}

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

func WithSessionClock(c clock.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession creates the session of the user identified by credential and starts its
// event loop. It fails with ErrNoCredential when the credential has no token or user id.
// Call Start to connect and Close to end the session.
func NewSession(credential Credential, transport RealtimeTransport, api ChatAPI, opts ...SessionOption) (*Session, error) {
	if credential.Token == "" || credential.UserID == "" {
		return nil, ErrNoCredential
	}
	s := &Session{
		userID:     credential.UserID,
		credential: credential,
		config:     DefaultSessionConfig,
		transport:  transport,
		api:        api,
		clock:      clock.New(),
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		ops:        make(chan func()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.credential.Valid(s.clock.Now()) {
		return nil, ErrCredentialExpired
	}
	s.logger = s.logger.With(slog.String("user_id", s.userID))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = make(chan Event, max(s.config.EventBuffer, 1))
	s.registry = NewSubscriptionRegistry(transport, s.logger, s.config.ServerLocation)
	s.reconciler = NewReconciler(
		WithReconcilerClock(s.clock),
		WithReconcilerMetrics(s.metrics),
		WithCorrelationWindow(s.config.CorrelationWindow),
		WithReorderThreshold(s.config.ReorderThreshold),
		WithPendingTimeout(s.config.PendingTimeout),
	)
	s.chats = NewChatList(s.userID, WithChatListClock(s.clock))
	if s.config.SendRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.config.SendRate), max(s.config.SendBurst, 1))
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if s.config.SweepInterval <= 0 {
		s.config.SweepInterval = DefaultSessionConfig.SweepInterval
	}
	s.sweep = s.clock.Ticker(s.config.SweepInterval)
	if !s.credential.ExpiresAt.IsZero() {
		s.expiry = s.clock.Timer(s.credential.ExpiresAt.Sub(s.clock.Now()))
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.events)

	defer s.sweep.Stop()
	var expired <-chan time.Time
	if s.expiry != nil {
		defer s.expiry.Stop()
		expired = s.expiry.C
	}

	for {
		select {
		case f := <-s.ops:
			f()
		case <-s.sweep.C:
			s.expirePending()
		case <-expired:
			s.logger.Warn("credential expired, closing session")
			s.emit(Event{Type: EventSessionClosed, Err: ErrCredentialExpired})
			s.teardown()
			return
		case <-s.done:
			s.emit(Event{Type: EventSessionClosed})
			return
		}
	}
}

// do runs f on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { f(); close(finished) }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post queues f on the loop without waiting. f is dropped if the session is closed.
func (s *Session) post(f func()) {
	select {
	case s.ops <- f:
	case <-s.done:
	}
}

// goAsync runs f on a tracked goroutine.
func (s *Session) goAsync(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.metrics.eventDropped()
		s.logger.Debug("event dropped", slog.String("type", string(e.Type)))
	}
}

func (s *Session) emitChat(chatID string) {
	if c, ok := s.chats.Get(chatID); ok {
		s.emit(Event{Type: EventChatUpdated, ChatID: chatID, Chat: &c})
	}
}

// Events returns the notifications of the session. The channel is closed when the
// session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) UserID() string {
	return s.userID
}

// Start connects the transport, registers the inbox and loads the chat list.
// A failed chat list load is logged; the session stays usable.
func (s *Session) Start(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.transport.OnStateChange(func(from, to ConnectionState) {
		s.post(func() { s.stateChanged(from, to) })
	})
	err := s.registry.RegisterInboxSubscription(s.userID, func(in InboundMessage) {
		s.post(func() { s.handleInbound(in) })
	})
	if err != nil {
		return err
	}
	if err := s.transport.Connect(ctx, s.credential); err != nil {
		return err
	}
	if err := s.RefreshChats(ctx); err != nil {
		s.logger.Warn("initial chat list load failed", slog.Any("error", err))
	}
	return nil
}

// Close unregisters subscriptions, disconnects the transport and stops the loop.
func (s *Session) Close() {
	s.teardown()
	s.wg.Wait()
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		// done is closed first so state callbacks fired by Disconnect do not block on the loop
		close(s.done)
		s.cancel()
		s.registry.UnregisterAll()
		s.transport.Disconnect()
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) stateChanged(from, to ConnectionState) {
	s.emit(Event{Type: EventConnectionState, State: to})
	if from == StateReconnecting && to == StateConnected {
		// messages sent while disconnected were not delivered on the inbox
		s.reconciler.Invalidate()
		s.refreshAsync()
		if s.focus != "" {
			s.loadAsync(s.focus, s.generation)
		}
	}
}

func (s *Session) handleInbound(in InboundMessage) {
	m := in.Message
	chatID := m.ChatID
	res := s.reconciler.ApplyIncoming(chatID, m)
	if !res.Applied {
		s.logger.Debug("duplicate message dropped", slog.String("chat_id", chatID), slog.String("message_id", m.ID))
		return
	}

	_, known := s.chats.Get(chatID)
	incrementUnread := chatID != s.focus && m.SenderID != s.userID && res.ReplacedOptimisticID == ""
	last, _ := s.reconciler.Last(chatID)
	s.chats.UpsertSummary(chatID, last.Content, last.SentAt, incrementUnread)

	s.emit(Event{Type: EventMessage, ChatID: chatID, Message: &m, ReplacedID: res.ReplacedOptimisticID})
	s.emitChat(chatID)
	if !known {
		s.refreshAsync()
	}
}

// refreshAsync refreshes the chat list in the background, at most one at a time.
func (s *Session) refreshAsync() {
	if s.refreshing {
		return
	}
	s.refreshing = true
	s.goAsync(func() {
		chats, err := s.api.ListChats(s.ctx)
		s.post(func() {
			s.refreshing = false
			if err != nil {
				s.logger.Warn("chat list refresh failed", slog.Any("error", err))
				return
			}
			s.applyRefresh(chats)
		})
	})
}

// RefreshChats reloads the chat list from the server and merges it.
func (s *Session) RefreshChats(ctx context.Context) error {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	return s.do(ctx, func() {
		s.applyRefresh(chats)
	})
}

// applyRefresh merges a server chat list. The focused chat stays read: the server
// only counts a message as read once its history is fetched.
func (s *Session) applyRefresh(chats []Chat) {
	s.chats.Refresh(chats)
	if s.focus != "" {
		s.chats.MarkRead(s.focus)
	}
	s.emit(Event{Type: EventChatsRefreshed})
}

// SelectChat focuses chatID, marks it read and loads its history if not cached.
// If another chat is selected before the history arrives, the result is discarded and
// ErrSelectionSuperseded is returned. A failed load returns ErrHistoryLoadFailure;
// selecting the chat again retries it.
func (s *Session) SelectChat(ctx context.Context, chatID string) error {
	var (
		gen      uint64
		needLoad bool
	)
	err := s.do(ctx, func() {
		s.focus = chatID
		s.generation++
		gen = s.generation
		s.chats.MarkRead(chatID)
		needLoad = !s.reconciler.Loaded(chatID)
		s.emitChat(chatID)
	})
	if err != nil || !needLoad {
		return err
	}

	history, loadErr := s.api.History(ctx, chatID, s.config.HistoryLimit)
	var result error
	err = s.do(ctx, func() {
		result = s.applyHistory(chatID, gen, history, loadErr)
	})
	if err != nil {
		return err
	}
	return result
}

func (s *Session) loadAsync(chatID string, gen uint64) {
	s.goAsync(func() {
		history, err := s.api.History(s.ctx, chatID, s.config.HistoryLimit)
		s.post(func() {
			if err := s.applyHistory(chatID, gen, history, err); err != nil {
				s.logger.Warn("history reload failed", slog.String("chat_id", chatID), slog.Any("error", err))
			}
		})
	})
}

func (s *Session) applyHistory(chatID string, gen uint64, history []Message, err error) error {
	if s.generation != gen || s.focus != chatID {
		s.logger.Debug("discarding superseded history", slog.String("chat_id", chatID))
		return ErrSelectionSuperseded
	}
	if err != nil {
		return fmt.Errorf("%w: chat %s: %w", ErrHistoryLoadFailure, chatID, err)
	}
	s.reconciler.Load(chatID, history)
	if last, ok := s.reconciler.Last(chatID); ok {
		s.chats.UpsertSummary(chatID, last.Content, last.SentAt, false)
	}
	s.emit(Event{Type: EventHistoryLoaded, ChatID: chatID})
	s.emitChat(chatID)
	return nil
}

// SendMessage inserts a pending message into the selected chat and sends it in the
// background. The returned message is the pending one. A failed send marks it failed
// and emits EventMessageFailed; it can then be retried or discarded.
func (s *Session) SendMessage(ctx context.Context, chatID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	var (
		msg   Message
		opErr error
	)
	err := s.do(ctx, func() {
		if s.focus == "" || s.focus != chatID {
			opErr = ErrNoChatSelected
			return
		}
		clientID := uuid.NewString()
		msg = Message{
			ID:            localIDPrefix + clientID,
			ClientID:      clientID,
			ChatID:        chatID,
			Content:       content,
			SenderID:      s.userID,
			SentAt:        s.clock.Now(),
			DeliveryState: DeliveryPending,
		}
		s.reconciler.AppendOptimistic(chatID, msg)
		s.chats.UpsertSummary(chatID, content, msg.SentAt, false)
		s.emit(Event{Type: EventMessage, ChatID: chatID, Message: &msg})
		s.emitChat(chatID)
		s.dispatch(msg)
	})
	if err != nil {
		return Message{}, err
	}
	return msg, opErr
}

// dispatch sends msg in the background and posts the outcome to the loop.
func (s *Session) dispatch(msg Message) {
	s.goAsync(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.PendingTimeout)
		defer cancel()

		var (
			confirmed Message
			err       error
		)
		if err = s.limiter.Wait(ctx); err == nil {
			switch s.config.SendVia {
			case SendViaStomp:
				err = s.transport.Send(SendDestination, outboundMessage{
					ChatID:          msg.ChatID,
					Content:         msg.Content,
					ClientMessageID: msg.ClientID,
				})
			default:
				confirmed, err = s.api.SendMessage(ctx, msg.ChatID, msg.Content, msg.ClientID)
			}
		}
		s.post(func() { s.sendCompleted(msg, confirmed, err) })
	})
}

func (s *Session) sendCompleted(msg Message, confirmed Message, err error) {
	if err != nil {
		failed, ok := s.reconciler.MarkFailed(msg.ChatID, msg.ClientID)
		if !ok {
			// already confirmed through the inbox, or expired
			return
		}
		s.logger.Warn("send failed", slog.String("chat_id", msg.ChatID), slog.Any("error", err))
		s.resetSummary(msg.ChatID)
		s.emit(Event{Type: EventMessageFailed, ChatID: msg.ChatID, Message: &failed, Err: fmt.Errorf("%w: %w", ErrSendFailure, err)})
		s.emitChat(msg.ChatID)
		return
	}
	if s.config.SendVia == SendViaStomp {
		// confirmation arrives on the inbox
		return
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = s.userID
	}
	res := s.reconciler.ConfirmOptimistic(msg.ChatID, msg.ClientID, confirmed)
	if !res.Applied && res.ReplacedOptimisticID == "" {
		return
	}
	s.resetSummary(msg.ChatID)
	if current, ok := s.reconciler.Find(msg.ChatID, msg.ClientID); ok {
		s.emit(Event{Type: EventMessage, ChatID: msg.ChatID, Message: &current, ReplacedID: msg.ID})
	} else {
		s.emit(Event{Type: EventMessageRemoved, ChatID: msg.ChatID, Message: &msg})
	}
	s.emitChat(msg.ChatID)
}

// resetSummary re-derives the chat summary from the latest message that is not failed.
func (s *Session) resetSummary(chatID string) {
	if last, ok := s.reconciler.Last(chatID); ok {
		s.chats.ResetSummary(chatID, &last)
		return
	}
	s.chats.ResetSummary(chatID, nil)
}

func (s *Session) expirePending() {
	for _, m := range s.reconciler.ExpirePending() {
		s.logger.Warn("message not confirmed in time", slog.String("chat_id", m.ChatID), slog.String("client_id", m.ClientID))
		s.resetSummary(m.ChatID)
		s.emit(Event{
			Type:    EventMessageFailed,
			ChatID:  m.ChatID,
			Message: &m,
			Err:     fmt.Errorf("%w: not confirmed within %s", ErrSendFailure, s.config.PendingTimeout),
		})
		s.emitChat(m.ChatID)
	}
}

// RetryMessage sends a failed message again.
func (s *Session) RetryMessage(ctx context.Context, chatID, clientID string) error {
	var opErr error
	err := s.do(ctx, func() {
		m, err := s.reconciler.Retry(chatID, clientID)
		if err != nil {
			opErr = err
			return
		}
		s.chats.UpsertSummary(chatID, m.Content, m.SentAt, false)
		s.emit(Event{Type: EventMessage, ChatID: chatID, Message: &m})
		s.emitChat(chatID)
		s.dispatch(m)
	})
	if err != nil {
		return err
	}
	return opErr
}

// DiscardMessage removes a failed message.
func (s *Session) DiscardMessage(ctx context.Context, chatID, clientID string) error {
	var opErr error
	err := s.do(ctx, func() {
		m, err := s.reconciler.Discard(chatID, clientID)
		if err != nil {
			opErr = err
			return
		}
		s.resetSummary(chatID)
		s.emit(Event{Type: EventMessageRemoved, ChatID: chatID, Message: &m})
		s.emitChat(chatID)
	})
	if err != nil {
		return err
	}
	return opErr
}

var errChatNotListed = errors.New("chat not listed yet")

// CreateChat creates a chat and selects it once it appears in the chat list. If it does
// not appear after a bounded number of refreshes, it is added locally and selected anyway.
func (s *Session) CreateChat(ctx context.Context, req CreateChatRequest) (string, error) {
	if len(req.ParticipantIDs) == 0 {
		return "", ErrNoParticipants
	}
	if req.Type == "" {
		req.Type = DirectChat
		if len(req.ParticipantIDs) > 1 {
			req.Type = GroupChat
		}
	}
	chatID, err := s.api.CreateChat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.CreateChatBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	err = backoff.Retry(func() error {
		if err := s.RefreshChats(ctx); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		listed := false
		if err := s.do(ctx, func() {
			c, ok := s.chats.Get(chatID)
			listed = ok && !c.Stub
		}); err != nil {
			return backoff.Permanent(err)
		}
		if !listed {
			return errChatNotListed
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.config.CreateChatRetries), ctx))
	if errors.Is(err, ErrSessionClosed) {
		return "", err
	}
	if err != nil {
		s.logger.Warn("created chat not listed, adding it locally", slog.String("chat_id", chatID), slog.Any("error", err))
		if err := s.do(ctx, func() {
			s.chats.Upsert(Chat{ID: chatID, Name: req.Name, Type: req.Type})
		}); err != nil {
			return "", err
		}
	}
	return chatID, s.SelectChat(ctx, chatID)
}

// SearchParticipants searches users by name. A blank query returns no results without
// a network call.
func (s *Session) SearchParticipants(ctx context.Context, query string) ([]Participant, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Participant{}, nil
	}
	users, err := s.api.SearchUsers(ctx, query, s.config.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// Chats returns the chat list, most recently active first.
func (s *Session) Chats() []Chat {
	var chats []Chat
	s.do(context.Background(), func() {
		chats = s.chats.List()
	})
	return chats
}

// Messages returns the messages of a chat in display order.
func (s *Session) Messages(chatID string) []Message {
	var msgs []Message
	s.do(context.Background(), func() {
		msgs = s.reconciler.GetOrdered(chatID)
	})
	return msgs
}

// Focus returns the selected chat id, or an empty string.
func (s *Session) Focus() string {
	var focus string
	s.do(context.Background(), func() {
		focus = s.focus
	})
	return focus
}

func (s *Session) State() ConnectionState {
	return s.transport.State()
}
