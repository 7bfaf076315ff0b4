package chatsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/pkg/stomp"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next frame from the peer.
	readWait = 60 * time.Second

	// Time allowed for the CONNECT frame after the websocket is opened.
	connectWait = 10 * time.Second

	// Maximum frame size allowed from peer.
	maxFrameSize = 64 << 10

	writeBufferSize = 64

	// SendDestination is where clients send chat messages.
	SendDestination = "/app/chat"
)

// InboxDestination is the private queue a user subscribes to.
func InboxDestination(userID int64) string {
	return fmt.Sprintf("/user/%d/queue/messages", userID)
}

// Authenticator resolves a bearer token to a user id.
type Authenticator func(token string) (int64, error)

// SendFunc handles a chat message sent over the broker.
type SendFunc func(ctx context.Context, userID int64, req SendRequest) error

// SendRequest is the payload of a SEND to SendDestination.
type SendRequest struct {
	ChatID          ID     `json:"chatId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// Broker is a STOMP 1.2 broker over websockets that delivers chat messages to
// per-user inbox queues. A user may hold several connections.
type Broker struct {
	authenticate Authenticator
	onSend       SendFunc
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	baseCtx      context.Context

	mu    sync.RWMutex
	conns map[int64][]*brokerConn
	seq   atomic.Int64
	wg    sync.WaitGroup
}

func NewBroker(ctx context.Context, authenticate Authenticator, onSend SendFunc, logger *slog.Logger) *Broker {
	return &Broker{
		authenticate: authenticate,
		onSend:       onSend,
		logger:       logger,
		baseCtx:      ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[int64][]*brokerConn),
	}
}

type brokerConn struct {
	id     int64
	userID int64
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	// subs maps subscription id to destination.
	subs map[string]string
}

// ServeHTTP upgrades the request and runs the STOMP session. The bearer token is
// taken from the CONNECT frame or, failing that, from the upgrade request.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(maxFrameSize)

	userID, err := b.handshake(ws, bearer(r.Header.Get("Authorization")))
	if err != nil {
		b.logger.Info("stomp handshake rejected", slog.Any("error", err))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
		ws.Close()
		return
	}

	c := &brokerConn{
		id:     b.seq.Add(1),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, writeBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]string),
	}
	c.logger = b.logger.With(slog.String("connection", fmt.Sprintf("%d:%d", userID, c.id)))

	b.mu.Lock()
	b.conns[userID] = append(b.conns[userID], c)
	b.mu.Unlock()
	c.logger.Debug("connected")

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer b.wg.Done()
		b.readLoop(c)
		b.remove(c)
	}()
}

func bearer(h string) string {
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeFrame(ws *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := stomp.Encode(&buf, f); err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (b *Broker) handshake(ws *websocket.Conn, fallbackToken string) (int64, error) {
	ws.SetReadDeadline(time.Now().Add(connectWait))
	defer ws.SetReadDeadline(time.Time{})

	var f *frame.Frame
	for f == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("reading CONNECT: %w", err)
		}
		frames, err := stomp.Decode(bytes.NewReader(data))
		if err != nil {
			return 0, err
		}
		if len(frames) > 1 {
			writeFrame(ws, frame.New(frame.ERROR, frame.Message, "frames sent before CONNECTED"))
			return 0, fmt.Errorf("%d frames sent with CONNECT", len(frames))
		}
		if len(frames) == 1 {
			f = frames[0]
		}
	}
	if f.Command != frame.CONNECT && f.Command != frame.STOMP {
		writeFrame(ws, frame.New(frame.ERROR, frame.Message, "expected CONNECT"))
		return 0, fmt.Errorf("unexpected %s frame", f.Command)
	}

	token := bearer(f.Header.Get(stomp.HeaderAuthorization))
	if token == "" {
		token = fallbackToken
	}
	userID, err := b.authenticate(token)
	if err != nil {
		writeFrame(ws, frame.New(frame.ERROR, frame.Message, "unauthenticated"))
		return 0, err
	}
	err = writeFrame(ws, frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.HeartBeat, "0,0",
	))
	return userID, err
}

func (b *Broker) readLoop(c *brokerConn) {
	defer close(c.done)
	for {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		format, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("unexpected close: %v", err))
			}
			return
		}
		if format != websocket.TextMessage {
			continue
		}
		frames, err := stomp.Decode(bytes.NewReader(data))
		if err != nil {
			c.logger.Warn("malformed frame", slog.Any("error", err))
			c.enqueue(frame.New(frame.ERROR, frame.Message, "malformed frame"))
			continue
		}
		for _, f := range frames {
			if !b.handleFrame(c, f) {
				return
			}
		}
	}
}

// handleFrame processes a client frame and reports whether the session continues.
func (b *Broker) handleFrame(c *brokerConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.SUBSCRIBE:
		id, dest := f.Header.Get(frame.Id), f.Header.Get(frame.Destination)
		if dest != InboxDestination(c.userID) {
			c.logger.Warn("forbidden subscription", slog.String("destination", dest))
			c.enqueue(frame.New(frame.ERROR, frame.Message, "forbidden destination"))
			return false
		}
		c.mu.Lock()
		c.subs[id] = dest
		c.mu.Unlock()
	case frame.UNSUBSCRIBE:
		c.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		c.mu.Unlock()
	case frame.SEND:
		if f.Header.Get(frame.Destination) != SendDestination {
			c.enqueue(frame.New(frame.ERROR, frame.Message, "unknown destination"))
			return true
		}
		var req SendRequest
		if err := json.Unmarshal(f.Body, &req); err != nil {
			c.enqueue(frame.New(frame.ERROR, frame.Message, "invalid payload"))
			return true
		}
		if err := b.onSend(b.baseCtx, c.userID, req); err != nil {
			c.logger.Warn("send rejected", slog.Any("error", err))
			c.enqueue(frame.New(frame.ERROR, frame.Message, err.Error()))
		}
	case frame.DISCONNECT:
		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			c.enqueue(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
		return false
	default:
		c.enqueue(frame.New(frame.ERROR, frame.Message, "unsupported command "+f.Command))
	}
	return true
}

func (c *brokerConn) enqueue(f *frame.Frame) {
	var buf bytes.Buffer
	if err := stomp.Encode(&buf, f); err != nil {
		c.logger.Error(err.Error())
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- buf.Bytes():
	default:
		c.logger.Warn("write buffer full, dropping frame", slog.String("command", f.Command))
	}
}

func (c *brokerConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop drains the send buffer until it is closed, then closes the socket.
func (c *brokerConn) writeLoop() {
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug(fmt.Sprintf("writing frame: %v", err))
			c.ws.Close()
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	c.ws.Close()
}

func (b *Broker) remove(c *brokerConn) {
	c.close()
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.conns[c.userID]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(b.conns, c.userID)
	} else {
		b.conns[c.userID] = conns
	}
	c.logger.Debug("disconnected")
}

// Publish delivers body to the inbox subscriptions of every connection of the users.
func (b *Broker) Publish(body []byte, userIDs ...int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, userID := range userIDs {
		dest := InboxDestination(userID)
		for _, c := range b.conns[userID] {
			c.mu.Lock()
			var ids []string
			for id, d := range c.subs {
				if d == dest {
					ids = append(ids, id)
				}
			}
			c.mu.Unlock()
			for _, id := range ids {
				f := frame.New(frame.MESSAGE,
					frame.Destination, dest,
					frame.Subscription, id,
					frame.MessageId, strconv.FormatInt(b.seq.Add(1), 10),
					frame.ContentType, "application/json",
				)
				f.Body = body
				c.enqueue(f)
			}
		}
	}
}

// Subscribed reports whether the user has a live inbox subscription.
func (b *Broker) Subscribed(userID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dest := InboxDestination(userID)
	for _, c := range b.conns[userID] {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == dest {
				c.mu.Unlock()
				return true
			}
		}
		c.mu.Unlock()
	}
	return false
}

// DropConnections closes every connection without a close handshake, as a network
// failure would.
func (b *Broker) DropConnections() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, conns := range b.conns {
		for _, c := range conns {
			c.ws.Close()
		}
	}
}

// Close gracefully closes every connection and waits for them to finish.
func (b *Broker) Close() {
	b.mu.RLock()
	for _, conns := range b.conns {
		for _, c := range conns {
			c.close()
		}
	}
	b.mu.RUnlock()
	b.wg.Wait()
}
