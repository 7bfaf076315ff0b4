package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// HTTPChatAPI is a ChatAPI over the chat server's JSON REST endpoints.
// Every request carries the session credential as a bearer token.
type HTTPChatAPI struct {
	baseURL     string
	client      *http.Client
	credentials CredentialProvider
	// location is the zone of timestamps the server sends without one.
	location *time.Location
}

type HTTPChatAPIOption func(*HTTPChatAPI)

// WithServerLocation sets the zone used for timestamps the server sends without one.
func WithServerLocation(loc *time.Location) HTTPChatAPIOption {
	return func(a *HTTPChatAPI) {
		a.location = loc
	}
}

func NewHTTPChatAPI(baseURL string, credentials CredentialProvider, client *http.Client, opts ...HTTPChatAPIOption) *HTTPChatAPI {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	a := &HTTPChatAPI{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      client,
		credentials: credentials,
		location:    time.UTC,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPChatAPI) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	credential, err := a.credentials.Credential(ctx)
	if err != nil {
		return err
	}

	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return decodeAPIError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err := json.Unmarshal(b, &body); err == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(b))
	}
	return apiErr
}

// listOf decodes either a bare JSON array or an object wrapping the array under key.
type listOf[T any] struct {
	key   string
	items []T
}

func (l *listOf[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &l.items)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	raw, ok := wrapped[l.key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, &l.items)
}

func (a *HTTPChatAPI) ListChats(ctx context.Context) ([]Chat, error) {
	out := &listOf[chatWire]{key: "chats"}
	if err := a.do(ctx, http.MethodGet, "/chats", nil, nil, out); err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(out.items))
	for _, w := range out.items {
		chats = append(chats, w.chat(a.location))
	}
	return chats, nil
}

func (a *HTTPChatAPI) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	out := &listOf[messageWire]{key: "messages"}
	if err := a.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", query, nil, out); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(out.items))
	for _, w := range out.items {
		m := w.message(a.location)
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		msgs = append(msgs, m)
	}
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
	return msgs, nil
}

func (a *HTTPChatAPI) SendMessage(ctx context.Context, chatID, content, clientID string) (Message, error) {
	in := outboundMessage{ChatID: chatID, Content: content, ClientMessageID: clientID}
	var out struct {
		messageWire
		MessageID FlexibleID `json:"messageId"`
		// Message is either the message object or a status text.
		Message json.RawMessage `json:"message"`
	}
	if err := a.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", nil, in, &out); err != nil {
		return Message{}, err
	}
	w := out.messageWire
	if raw := bytes.TrimSpace(out.Message); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &w); err != nil {
			return Message{}, fmt.Errorf("decode sent message: %w", err)
		}
	}
	if w.ID == "" {
		w.ID = out.MessageID
	}
	if w.ID == "" {
		return Message{}, fmt.Errorf("send message: response has no message id")
	}
	m := w.message(a.location)
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	if m.Content == "" {
		m.Content = content
	}
	return m, nil
}

func (a *HTTPChatAPI) CreateChat(ctx context.Context, req CreateChatRequest) (string, error) {
	var out struct {
		ChatID FlexibleID `json:"chatId"`
		ID     FlexibleID `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/chats", nil, req, &out); err != nil {
		return "", err
	}
	id := out.ChatID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("create chat: response has no chat id")
	}
	return string(id), nil
}

func (a *HTTPChatAPI) SearchUsers(ctx context.Context, query string, limit int) ([]Participant, error) {
	q := url.Values{}
	q.Set("query", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	out := &listOf[participantWire]{key: "users"}
	if err := a.do(ctx, http.MethodGet, "/users", q, nil, out); err != nil {
		return nil, err
	}
	users := make([]Participant, 0, len(out.items))
	for _, w := range out.items {
		users = append(users, w.participant())
	}
	return users, nil
}
