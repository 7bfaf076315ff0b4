package chatsim

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/putto11262002/chatsync/pkg/router"
)

type ServerConfig struct {
	Secret          []byte
	TokenExpiration time.Duration
	AllowedOrigins  []string
	Logger          *slog.Logger
}

// Server is the chat backend: a REST API plus a STOMP endpoint on /ws.
type Server struct {
	users  *UserStore
	chats  *ChatStore
	broker *Broker
	router *router.Router
	config ServerConfig
	logger *slog.Logger
}

func NewServer(ctx context.Context, db *sql.DB, config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TokenExpiration <= 0 {
		config.TokenExpiration = 24 * time.Hour
	}
	users := NewUserStore(db)
	s := &Server{
		users:  users,
		chats:  NewChatStore(db, users),
		config: config,
		logger: config.Logger,
	}
	s.broker = NewBroker(ctx, s.authenticate, s.sendFromBroker, config.Logger.With(slog.String("component", "broker")))
	s.router = router.New(router.WithLogger(config.Logger))
	s.routes()
	return s
}

func (s *Server) Users() *UserStore { return s.users }
func (s *Server) Chats() *ChatStore { return s.chats }
func (s *Server) Broker() *Broker   { return s.broker }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close closes every live websocket connection.
func (s *Server) Close() {
	s.broker.Close()
}

func (s *Server) routes() {
	r := s.router
	r.RegisterErrorMapper(ErrBadCredentials, router.Status(http.StatusUnauthorized))
	r.RegisterErrorMapper(ErrConflictedUser, router.Status(http.StatusConflict))
	r.RegisterErrorMapper(ErrInvalidUser, router.Status(http.StatusBadRequest))
	r.RegisterErrorMapper(ErrInvalidChat, router.Status(http.StatusBadRequest))
	r.RegisterErrorMapper(ErrInvalidMessage, router.Status(http.StatusBadRequest))
	r.RegisterErrorMapper(ErrChatNotFound, router.Status(http.StatusNotFound))
	r.RegisterErrorMapper(ErrNotMember, router.Status(http.StatusForbidden))

	if len(s.config.AllowedOrigins) > 0 {
		r.Router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Post("/auth/signin", s.signinHandler)
	r.Post("/users", s.signupHandler)
	r.Router.Handle("/ws", s.broker)

	r.Group(func(r *router.Router) {
		r.Use(JWTMiddleware(s.config.Secret))
		r.Get("/users", s.searchUsersHandler)
		r.Get("/users/me", s.meHandler)
		r.Get("/chats", s.listChatsHandler)
		r.Post("/chats", s.createChatHandler)
		r.Get("/chats/{id}/messages", s.historyHandler)
		r.Post("/chats/{id}/messages", s.sendMessageHandler)
	})
}

func (s *Server) authenticate(token string) (int64, error) {
	claims, err := VerifyToken(token, s.config.Secret)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

type signinPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signinResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) signinHandler(w http.ResponseWriter, r *http.Request) error {
	var payload signinPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	user, err := s.users.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		return err
	}
	token, exp, err := NewToken(user, s.config.TokenExpiration, s.config.Secret)
	if err != nil {
		return fmt.Errorf("NewToken: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Expires:  exp,
		HttpOnly: true,
		Path:     "/",
	})
	return router.WriteJSON(w, http.StatusOK, signinResponse{
		Token:     token,
		UserID:    strconv.FormatInt(user.ID, 10),
		ExpiresAt: exp,
	})
}

func (s *Server) signupHandler(w http.ResponseWriter, r *http.Request) error {
	var input UserCreateInput
	if err := router.DecodeJSON(r, &input); err != nil {
		return err
	}
	user, err := s.users.CreateUser(r.Context(), input)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, user)
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) error {
	claims := ClaimsFromRequest(r)
	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}
	return router.WriteJSON(w, http.StatusOK, user)
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, router.BadRequest("invalid limit")
	}
	return n, nil
}

func (s *Server) searchUsersHandler(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryLimit(r, 10)
	if err != nil {
		return err
	}
	users, err := s.users.SearchUsers(r.Context(), r.URL.Query().Get("query"), ClaimsFromRequest(r).UserID, limit)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, users)
}

func (s *Server) listChatsHandler(w http.ResponseWriter, r *http.Request) error {
	chats, err := s.chats.GetUserChats(r.Context(), ClaimsFromRequest(r).UserID)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, chats)
}

type createChatResponse struct {
	ChatID string `json:"chatId"`
}

func (s *Server) createChatHandler(w http.ResponseWriter, r *http.Request) error {
	var input ChatCreateInput
	if err := router.DecodeJSON(r, &input); err != nil {
		return err
	}
	id, created, err := s.chats.CreateChat(r.Context(), ClaimsFromRequest(r).UserID, input)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return router.WriteJSON(w, status, createChatResponse{ChatID: strconv.FormatInt(id, 10)})
}

func chatIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, router.BadRequest("invalid chat id")
	}
	return id, nil
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) error {
	chatID, err := chatIDParam(r)
	if err != nil {
		return err
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		return err
	}
	msgs, err := s.chats.GetMessages(r.Context(), chatID, ClaimsFromRequest(r).UserID, limit)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, msgs)
}

type sendMessagePayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	chatID, err := chatIDParam(r)
	if err != nil {
		return err
	}
	var payload sendMessagePayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	m, err := s.send(r.Context(), MessageCreateInput{
		ChatID:          chatID,
		SenderID:        ClaimsFromRequest(r).UserID,
		Content:         payload.Content,
		ClientMessageID: payload.ClientMessageID,
	})
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) sendFromBroker(ctx context.Context, userID int64, req SendRequest) error {
	_, err := s.send(ctx, MessageCreateInput{
		ChatID:          int64(req.ChatID),
		SenderID:        userID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	return err
}

// messageEvent is a message as published to member inboxes.
type messageEvent struct {
	Message
	Sender *User `json:"sender,omitempty"`
}

// send stores a message and publishes it to the inbox of every chat member,
// the sender included.
func (s *Server) send(ctx context.Context, input MessageCreateInput) (Message, error) {
	m, err := s.chats.SendMessage(ctx, input)
	if err != nil {
		return Message{}, err
	}
	if err := s.publish(ctx, m); err != nil {
		s.logger.Error("publishing message", slog.Int64("message", m.ID), slog.Any("error", err))
	}
	return m, nil
}

func (s *Server) publish(ctx context.Context, m Message) error {
	members, err := s.chats.MemberIDs(ctx, m.ChatID)
	if err != nil {
		return err
	}
	event := messageEvent{Message: m}
	sender, err := s.users.GetUserByID(ctx, m.SenderID)
	if err != nil {
		return err
	}
	event.Sender = sender
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.broker.Publish(body, members...)
	return nil
}
