package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/pkg/stomp"
)

// TransportConfig configures the real-time connection.
type TransportConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL              string
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	// ReconnectBase is the first reconnect delay. Delays double up to ReconnectMax.
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
}

var DefaultTransportConfig = TransportConfig{
	HandshakeTimeout: 10 * time.Second,
	PingPeriod:       pingPeriod,
	ReconnectBase:    time.Second,
	ReconnectMax:     30 * time.Second,
	ReconnectJitter:  0.2,
}

// FrameHandler handles a MESSAGE frame delivered to a subscription.
type FrameHandler func(*frame.Frame)

// SubscriptionHandle is a live or pending subscription on the transport.
type SubscriptionHandle interface {
	ID() string
	Destination() string
	// Unsubscribe removes the subscription. It will not be replayed after a reconnect.
	Unsubscribe() error
}

type subscription struct {
	id          string
	destination string
	handler     FrameHandler
	transport   *Transport
}

func (s *subscription) ID() string          { return s.id }
func (s *subscription) Destination() string { return s.destination }
func (s *subscription) Unsubscribe() error  { return s.transport.unsubscribe(s.id) }

type transition struct {
	from, to ConnectionState
	err      error
}

// Transport owns the single STOMP-over-websocket connection of a session.
//
// State transitions:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected
//	Connecting -> Failed, retried by the next Connect
//	any -> Disconnected on Disconnect
//
// Subscriptions are remembered and replayed on every (re)connect.
type Transport struct {
	config  TransportConfig
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	state      ConnectionState
	credential Credential
	conn       *conn
	// attempt is closed when the in-flight initial connect finishes.
	attempt    chan struct{}
	attemptErr error
	// cancel stops the reconnect loop of the current session.
	cancel  context.CancelFunc
	pending []transition

	subs   *SyncMap[string, *subscription]
	subSeq atomic.Uint64

	onConnected    func()
	onDisconnected func(error)
	onStateChange  func(from, to ConnectionState)
}

type TransportOption func(*Transport)

func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

func WithTransportMetrics(m *Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = m
	}
}

func WithDialer(d *websocket.Dialer) TransportOption {
	return func(t *Transport) {
		t.dialer = d
	}
}

func NewTransport(config TransportConfig, opts ...TransportOption) *Transport {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultTransportConfig.HandshakeTimeout
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = DefaultTransportConfig.ReconnectBase
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultTransportConfig.ReconnectMax
	}
	t := &Transport{
		config:         config,
		dialer:         websocket.DefaultDialer,
		logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
		subs:           NewSyncMap[string, *subscription](),
		onConnected:    func() {},
		onDisconnected: func(error) {},
		onStateChange:  func(ConnectionState, ConnectionState) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnConnected sets the callback invoked every time the connection becomes ready,
// including after a reconnect.
func (t *Transport) OnConnected(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnected = f
}

// OnDisconnected sets the callback invoked when a ready connection is lost or closed.
// The error is nil on an explicit Disconnect.
func (t *Transport) OnDisconnected(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnected = f
}

func (t *Transport) OnStateChange(f func(from, to ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = f
}

func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState must be called with mu held. Callbacks run on unlockAndNotify.
func (t *Transport) setState(to ConnectionState, err error) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	t.metrics.stateChanged(from, to)
	t.logger.Info("connection state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	t.pending = append(t.pending, transition{from: from, to: to, err: err})
}

func (t *Transport) unlockAndNotify() {
	pending := t.pending
	t.pending = nil
	onConnected, onDisconnected, onStateChange := t.onConnected, t.onDisconnected, t.onStateChange
	t.mu.Unlock()

	for _, tr := range pending {
		onStateChange(tr.from, tr.to)
		if tr.to == StateConnected {
			onConnected()
		}
		if tr.from == StateConnected {
			onDisconnected(tr.err)
		}
	}
}

// Connect opens the connection with the given credential and waits for the handshake.
// It fails with ErrNoCredential without dialing if the credential has no token.
// Calling Connect while connecting waits for the in-flight attempt; calling it while
// connected or reconnecting is a no-op.
func (t *Transport) Connect(ctx context.Context, credential Credential) error {
	if credential.Token == "" {
		return ErrNoCredential
	}

	t.mu.Lock()
	switch t.state {
	case StateConnected, StateReconnecting:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		attempt := t.attempt
		t.mu.Unlock()
		select {
		case <-attempt:
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.attemptErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := make(chan struct{})
	sessionCtx, cancel := context.WithCancel(context.Background())
	t.attempt = attempt
	t.attemptErr = nil
	t.cancel = cancel
	t.credential = credential
	t.setState(StateConnecting, nil)
	t.unlockAndNotify()

	// Disconnect cancels sessionCtx, which aborts the handshake
	dialCtx, stopDial := context.WithCancel(ctx)
	stop := context.AfterFunc(sessionCtx, stopDial)
	c, err := t.dial(dialCtx, credential)
	stop()
	stopDial()

	t.mu.Lock()
	if t.attempt != attempt {
		// disconnected during the handshake
		err := t.attemptErr
		t.mu.Unlock()
		if c != nil {
			c.discard()
		}
		return err
	}
	t.attempt = nil
	defer close(attempt)
	if err != nil {
		cancel()
		t.attemptErr = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		t.setState(StateFailed, t.attemptErr)
		err := t.attemptErr
		t.unlockAndNotify()
		return err
	}
	t.install(c, sessionCtx)
	t.unlockAndNotify()
	return nil
}

// install makes c the live connection, replays subscriptions and moves to Connected.
// It must be called with mu held.
func (t *Transport) install(c *conn, sessionCtx context.Context) {
	t.conn = c
	t.subs.RRange(func(_ string, s *subscription) bool {
		if err := c.enqueue(subscribeFrame(s)); err != nil {
			t.logger.Warn("replaying subscription", slog.String("destination", s.destination), slog.Any("error", err))
		}
		return true
	})
	c.start()
	go func() {
		<-c.done
		t.connectionLost(c, sessionCtx)
	}()
	t.setState(StateConnected, nil)
}

func (t *Transport) connectionLost(c *conn, sessionCtx context.Context) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	err := fmt.Errorf("%w: %w", ErrTransportFailure, c.err)
	t.logger.Warn("connection lost", slog.Any("error", c.err))
	t.setState(StateReconnecting, err)
	t.unlockAndNotify()

	go t.reconnect(sessionCtx)
}

func (t *Transport) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.config.ReconnectBase
	b.Multiplier = 2
	b.MaxInterval = t.config.ReconnectMax
	b.RandomizationFactor = t.config.ReconnectJitter
	// retry for as long as the session is alive
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (t *Transport) reconnect(ctx context.Context) {
	b := t.newBackOff()
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.metrics.reconnectAttempt()
		t.mu.Lock()
		credential := t.credential
		t.mu.Unlock()

		c, err := t.dial(ctx, credential)
		if err != nil {
			t.logger.Warn("reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		t.mu.Lock()
		if ctx.Err() != nil || t.state != StateReconnecting {
			t.mu.Unlock()
			c.discard()
			return
		}
		t.logger.Info("reconnected", slog.Int("attempt", attempt))
		t.install(c, ctx)
		t.unlockAndNotify()
		return
	}
}

// dial opens the websocket and completes the STOMP handshake.
func (t *Transport) dial(ctx context.Context, credential Credential) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential.Token)
	ws, res, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial: status %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	deadline := time.Now().Add(t.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	abort := context.AfterFunc(ctx, func() { ws.Close() })
	connected, err := handshake(ws, u.Host, credential.Token, deadline)
	if !abort() {
		ws.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	if err != nil {
		ws.Close()
		return nil, err
	}
	t.logger.Debug("handshake completed", slog.String("version", connected.Header.Get(frame.Version)))

	c := newConn(ws, t.config.PingPeriod, t.logger.With(slog.String("connection", u.Host)), t.route)
	return c, nil
}

func handshake(ws *websocket.Conn, host, token string, deadline time.Time) (*frame.Frame, error) {
	ws.SetWriteDeadline(deadline)
	ws.SetReadDeadline(deadline)
	defer func() {
		ws.SetWriteDeadline(time.Time{})
		ws.SetReadDeadline(time.Time{})
	}()

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
		stomp.HeaderAuthorization, "Bearer "+token,
	)
	w, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := stomp.Encode(w, connect); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	for {
		_, r, err := ws.NextReader()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		frames, err := stomp.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		// nothing is subscribed yet, so the first frame decides
		f := frames[0]
		switch f.Command {
		case frame.CONNECTED:
			return f, nil
		case frame.ERROR:
			return nil, fmt.Errorf("handshake rejected: %s", f.Header.Get(frame.Message))
		default:
			return nil, fmt.Errorf("handshake: unexpected %s frame", f.Command)
		}
	}
}

// route dispatches frames received on the live connection.
func (t *Transport) route(f *frame.Frame) {
	t.metrics.frameReceived(f.Command)
	switch f.Command {
	case frame.MESSAGE:
		id := f.Header.Get(frame.Subscription)
		s, ok := t.subs.Load(id)
		if !ok {
			t.logger.Debug("message for unknown subscription", slog.String("subscription", id))
			return
		}
		s.handler(f)
	case frame.ERROR:
		t.logger.Error("server error", slog.String("message", f.Header.Get(frame.Message)), slog.String("body", string(f.Body)))
	}
}

// Disconnect unsubscribes everything, closes the connection and stops reconnecting.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.attempt != nil {
		t.attemptErr = fmt.Errorf("%w: disconnected", ErrTransportFailure)
		close(t.attempt)
		t.attempt = nil
	}
	if c := t.conn; c != nil {
		t.conn = nil
		t.subs.RRange(func(_ string, s *subscription) bool {
			c.enqueue(frame.New(frame.UNSUBSCRIBE, frame.Id, s.id))
			return true
		})
		c.enqueue(frame.New(frame.DISCONNECT))
		c.close()
	}
	t.subs.Clear()
	t.credential = Credential{}
	t.setState(StateDisconnected, nil)
	t.unlockAndNotify()
}

// Send encodes payload as JSON and sends it to destination.
func (t *Transport) Send(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body

	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(f)
}

// Subscribe registers handler for MESSAGE frames on destination. The subscription is
// sent immediately if connected and replayed after every reconnect.
func (t *Transport) Subscribe(destination string, handler FrameHandler) (SubscriptionHandle, error) {
	if destination == "" {
		return nil, errors.New("subscribe: empty destination")
	}
	s := &subscription{
		id:          fmt.Sprintf("sub-%d", t.subSeq.Add(1)),
		destination: destination,
		handler:     handler,
		transport:   t,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs.Store(s.id, s)
	if t.conn != nil {
		if err := t.conn.enqueue(subscribeFrame(s)); err != nil {
			t.logger.Warn("sending subscription", slog.String("destination", destination), slog.Any("error", err))
		}
	}
	return s, nil
}

func (t *Transport) unsubscribe(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs.LoadAndDelete(id); !ok {
		return nil
	}
	if t.conn != nil {
		return t.conn.enqueue(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
	}
	return nil
}

func subscribeFrame(s *subscription) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, s.id,
		frame.Destination, s.destination,
	)
}
