package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/pkg/stomp"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxFrameSize = 64 << 10

	sendBufferSize = 256
)

// conn is one physical websocket connection carrying STOMP frames.
// Frames are written by writeLoop; received frames are handed to onFrame
// sequentially from readLoop.
type conn struct {
	ws      *websocket.Conn
	send    chan *frame.Frame
	done    chan struct{}
	onFrame func(*frame.Frame)
	logger  *slog.Logger

	pingPeriod time.Duration
	pongWait   time.Duration

	mu     sync.Mutex
	closed bool
	// err is the error that ended readLoop. It is only read after done is closed.
	err error
}

func newConn(ws *websocket.Conn, ping time.Duration, logger *slog.Logger, onFrame func(*frame.Frame)) *conn {
	if ping <= 0 {
		ping = pingPeriod
	}
	return &conn{
		ws:         ws,
		send:       make(chan *frame.Frame, sendBufferSize),
		done:       make(chan struct{}),
		onFrame:    onFrame,
		logger:     logger,
		pingPeriod: ping,
		pongWait:   ping * 10 / 9,
	}
}

func (c *conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

// enqueue queues f for writing.
func (c *conn) enqueue(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// close flushes queued frames and closes the connection gracefully.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// discard closes a connection that was never started.
func (c *conn) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.ws.Close()
}

func (c *conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.ws.Close()
		close(c.done)
		c.logger.Debug("read loop stopped")
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	for {
		format, r, err := c.ws.NextReader()
		if err != nil {
			c.err = err
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Warn(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		frames, err := stomp.Decode(r)
		if err != nil {
			c.logger.Error(err.Error())
			continue
		}
		for _, f := range frames {
			c.logger.Debug("frame received", slog.String("command", f.Command), slog.String("destination", f.Header.Get(frame.Destination)))
			c.onFrame(f)
		}
	}
}

func (c *conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				// wait for the peer to echo the close
				select {
				case <-c.done:
				case <-time.After(writeWait):
					c.ws.Close()
				}
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				c.ws.Close()
				return
			}
			if err := stomp.Encode(w, f); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flushing frame: %v", err))
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				c.ws.Close()
				return
			}
		}
	}
}
