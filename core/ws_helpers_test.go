package core

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/pkg/stomp"
	"github.com/stretchr/testify/require"
)

var baseTimeout = 2 * time.Second

const testToken = "test-token"

// testStompServer is a minimal STOMP broker for exercising Transport.
type testStompServer struct {
	*httptest.Server
	t        *testing.T
	upgrader websocket.Upgrader

	// reject makes the server refuse websocket upgrades.
	reject atomic.Bool
	dials  atomic.Int64
	// open counts upgraded connections the server has not yet closed.
	open atomic.Int64

	connectGate chan struct{}
	connecting  chan struct{}

	mu     sync.Mutex
	conns  []*testStompConn
	frames []*frame.Frame
}

type testStompConn struct {
	ws *websocket.Conn
	mu sync.Mutex
	// subs maps subscription id to destination.
	subs map[string]string
}

func newTestStompServer(t *testing.T) *testStompServer {
	s := &testStompServer{t: t}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *testStompServer) wsURL() string {
	return getWSURLFromHTTPURL(s.URL)
}

func (s *testStompServer) serve(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.open.Add(1)
	defer s.open.Add(-1)
	c := &testStompConn{ws: ws, subs: make(map[string]string)}
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.Decode(bytes.NewReader(data))
		if err != nil {
			continue
		}
		for _, f := range frames {
			if !s.handle(c, f) {
				return
			}
		}
	}
}

// handle processes one client frame and reports whether the connection stays open.
func (s *testStompServer) handle(c *testStompConn, f *frame.Frame) bool {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	gate, connecting := s.connectGate, s.connecting
	s.mu.Unlock()

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if f.Header.Get(stomp.HeaderAuthorization) != "Bearer "+testToken {
			c.write(frame.New(frame.ERROR, frame.Message, "unauthorized"))
			return false
		}
		if gate != nil {
			connecting <- struct{}{}
			<-gate
		}
		c.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
	case frame.SUBSCRIBE:
		c.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		c.mu.Unlock()
	case frame.UNSUBSCRIBE:
		c.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		c.mu.Unlock()
	case frame.DISCONNECT:
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return false
	}
	return true
}

// holdConnected makes the server wait for the returned release func before it
// answers CONNECT. Each held CONNECT is signalled on s.connecting.
func (s *testStompServer) holdConnected() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.connectGate = gate
	s.connecting = make(chan struct{}, 8)
	s.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	s.t.Cleanup(release)
	return release
}

func (c *testStompConn) write(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	if err := stomp.Encode(&buf, f); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// publish sends body to every live subscription on destination and reports how many
// subscriptions received it.
func (s *testStompServer) publish(destination, body string) int {
	s.mu.Lock()
	conns := append([]*testStompConn(nil), s.conns...)
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		c.mu.Lock()
		var ids []string
		for id, d := range c.subs {
			if d == destination {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, fmt.Sprintf("m-%d", n),
			)
			f.Body = []byte(body)
			if c.write(f) == nil {
				n++
			}
		}
	}
	return n
}

// dropAll closes every connection without a close handshake.
func (s *testStompServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.conns = nil
}

// subscribed reports whether a live connection is subscribed to destination.
func (s *testStompServer) subscribed(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.mu.Lock()
		for _, d := range c.subs {
			if d == destination {
				c.mu.Unlock()
				return true
			}
		}
		c.mu.Unlock()
	}
	return false
}

func (s *testStompServer) received(command string) []*frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*frame.Frame
	for _, f := range s.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}
