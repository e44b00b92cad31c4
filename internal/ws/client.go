package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 30 * time.Second
	readLimit        = 512 * 1024

	defaultBackoffBase = time.Second
	defaultMaxAttempts = 5
)

// State is the connection state of a Client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Publisher receives every decoded envelope and lifecycle notification.
type Publisher interface {
	Publish(env Envelope)
}

type discard struct{}

func (discard) Publish(Envelope) {}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the reconnect schedule: base * 2^(attempt-1), capped at
// max when max > 0, for at most maxAttempts attempts.
func WithBackoff(base, max time.Duration, maxAttempts int) Option {
	return func(c *Client) { c.backoff = NewBackoff(base, max, maxAttempts) }
}

// WithHeartbeat sends a heartbeat every d while the link is open. 0 disables.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithHintFunc supplies the restoration hint for automatic reconnects.
// Without it, reconnects reuse the hint given to Connect.
func WithHintFunc(fn func() *RestorationHint) Option {
	return func(c *Client) { c.hintFunc = fn }
}

// WithHandshakeTimeout bounds how long Connect and each reconnect wait for
// the agent's handshake reply.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client owns one WebSocket link to the agent at a time. It performs the
// handshake, decodes frames into envelopes for its Publisher, echoes
// heartbeats, and reconnects with exponential backoff after abnormal closes.
type Client struct {
	Endpoint string // e.g. "wss://agent.example.com/ws"
	Token    string // credential, sent as the token query parameter

	pub        Publisher
	log        *slog.Logger
	backoff    *Backoff
	heartbeat  time.Duration
	hintFunc   func() *RestorationHint
	httpClient *http.Client

	handshakeTimeout time.Duration

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	hint   *RestorationHint
	epoch  uint64 // bumped by Connect and Disconnect; stale goroutines compare against it
	runCtx context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

func NewClient(endpoint, token string, pub Publisher, opts ...Option) *Client {
	if pub == nil {
		pub = discard{}
	}
	c := &Client{
		Endpoint: endpoint,
		Token:    token,
		pub:      pub,
		log:      slog.Default(),
		backoff:  NewBackoff(defaultBackoffBase, 0, defaultMaxAttempts),
		state:    StateIdle,

		handshakeTimeout: handshakeTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the agent, sends a handshake carrying hint (nil asks for a
// fresh sandbox) and returns once the agent's handshake reply has been
// published. Any previous link of this client is torn down first.
// A failed initial connect is returned to the caller and not retried.
func (c *Client) Connect(ctx context.Context, hint *RestorationHint) error {
	target, err := c.target()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stopLocked()
	c.epoch++
	epoch := c.epoch
	c.state = StateConnecting
	c.hint = hint
	c.backoff.Reset()
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer waitCancel()
	if err := c.dial(waitCtx, runCtx, epoch, target, hint); err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateClosed
			c.stopLocked()
		}
		c.mu.Unlock()
		if isAuthError(err) {
			return &ConfigurationError{Field: "token", Reason: "rejected by agent", Err: ErrAuthRejected}
		}
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// Disconnect closes the link with a normal closure and cancels any pending
// reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.state
	c.epoch++
	conn := c.conn
	c.conn = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.state = StateClosing
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug("ws: close", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if prev != StateIdle && prev != StateClosed {
		c.pub.Publish(c.lifecycle(KindDisconnected, Lifecycle{Code: int(websocket.StatusNormalClosure), Reason: "client disconnect"}))
	}
}

// Send writes env immediately. It never queues: when the link is not open it
// returns a *NotConnectedError and the caller decides whether to retry.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return &NotConnectedError{State: state}
	}
	if err := c.writeFrame(ctx, conn, env); err != nil {
		var pv *ProtocolViolation
		if errors.As(err, &pv) {
			return err
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// target validates the endpoint and credential and returns the dial URL.
func (c *Client) target() (string, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return "", &ConfigurationError{Field: "endpoint", Reason: "empty"}
	}
	if strings.TrimSpace(c.Token) == "" {
		return "", &ConfigurationError{Field: "token", Reason: "empty"}
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", &ConfigurationError{Field: "endpoint", Reason: "unparseable", Err: err}
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens a link, sends the handshake and waits for the reply. The read
// loop it starts outlives waitCtx and is bound to runCtx.
func (c *Client) dial(waitCtx, runCtx context.Context, epoch uint64, target string, hint *RestorationHint) error {
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	conn, resp, err := websocket.Dial(waitCtx, target, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthRejected
		}
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		conn.CloseNow()
		return errors.New("superseded")
	}
	c.conn = conn
	c.mu.Unlock()

	hs := Handshake{}
	if hint != nil {
		hs.RemoteSandboxID = hint.RemoteSandboxID
		hs.LocalSessionID = hint.LocalSessionID
	}
	if err := c.writeFrame(waitCtx, conn, NewEnvelope(KindHandshake, uuid.New().String(), hs)); err != nil {
		conn.CloseNow()
		return fmt.Errorf("handshake: %w", err)
	}

	ready := make(chan struct{})
	failed := make(chan error, 1)
	go c.readLoop(runCtx, conn, epoch, ready, failed)

	select {
	case <-ready:
		return nil
	case err := <-failed:
		return fmt.Errorf("handshake: %w", err)
	case <-waitCtx.Done():
		conn.CloseNow()
		return waitCtx.Err()
	}
}

func (c *Client) readLoop(runCtx context.Context, conn *websocket.Conn, epoch uint64, ready chan struct{}, failed chan<- error) {
	linkCtx, linkCancel := context.WithCancel(runCtx)
	defer linkCancel()
	defer conn.CloseNow()

	open := false
	for {
		_, data, err := conn.Read(linkCtx)
		if err != nil {
			if !open {
				failed <- err
				return
			}
			c.linkLost(epoch, err)
			return
		}
		if !c.current(epoch) {
			return
		}

		env, err := Decode(data, time.Now())
		if err != nil {
			c.log.Warn("ws: dropping frame", "err", err)
			continue
		}

		switch {
		case env.Kind == KindHeartbeat:
			if err := c.writeFrame(linkCtx, conn, NewEnvelope(KindHeartbeat, env.ID, Empty{})); err != nil {
				c.log.Debug("ws: heartbeat echo failed", "err", err)
			}
			c.pub.Publish(env)

		case env.Kind == KindHandshake && !open:
			open = true
			c.mu.Lock()
			if c.epoch == epoch {
				c.state = StateOpen
				c.backoff.Reset()
			}
			c.mu.Unlock()
			c.pub.Publish(env)
			c.pub.Publish(c.lifecycle(KindConnected, Lifecycle{}))
			if c.heartbeat > 0 {
				go c.heartbeatLoop(linkCtx, conn)
			}
			close(ready)

		default:
			c.pub.Publish(env)
		}
	}
}

// linkLost handles an abnormal close of an open link: schedule a reconnect,
// or give up once the backoff is exhausted.
func (c *Client) linkLost(epoch uint64, cause error) {
	code := int(websocket.CloseStatus(cause))

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	delay, attempt, ok := c.backoff.Next()
	if !ok {
		c.state = StateClosed
		c.mu.Unlock()
		terr := &TransportError{Op: "reconnect", Attempts: attempt, Fatal: true, Err: cause}
		c.log.Error("ws: giving up", "attempts", attempt, "err", cause)
		c.pub.Publish(c.lifecycle(KindDisconnected, Lifecycle{Code: code, Reason: cause.Error(), Fatal: true, Err: terr}))
		c.pub.Publish(c.lifecycle(KindTransportError, Lifecycle{Code: code, Reason: terr.Error(), Attempt: attempt, Fatal: true, Err: terr}))
		return
	}
	c.state = StateConnecting
	c.timer = time.AfterFunc(delay, func() { c.reconnect(epoch) })
	c.mu.Unlock()

	terr := &TransportError{Op: "read", Attempts: attempt, Err: cause}
	c.log.Info("ws: link lost, reconnecting", "err", cause, "attempt", attempt, "delay", delay)
	c.pub.Publish(c.lifecycle(KindDisconnected, Lifecycle{Code: code, Reason: cause.Error(), Attempt: attempt, Delay: delay, Retrying: true, Err: terr}))
	c.pub.Publish(c.lifecycle(KindTransportError, Lifecycle{Code: code, Reason: terr.Error(), Attempt: attempt, Err: terr}))
}

// reconnect is a brand-new handshake; the hint is whatever the owner
// currently believes the binding to be.
func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	hint := c.hint
	runCtx := c.runCtx
	c.mu.Unlock()
	if c.hintFunc != nil {
		hint = c.hintFunc()
	}

	target, err := c.target()
	if err != nil {
		c.fail(epoch, err)
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, c.handshakeTimeout)
	defer cancel()
	if err := c.dial(ctx, runCtx, epoch, target, hint); err != nil {
		if isAuthError(err) {
			c.fail(epoch, &ConfigurationError{Field: "token", Reason: "rejected by agent", Err: ErrAuthRejected})
			return
		}
		c.linkLost(epoch, err)
	}
}

// fail closes the client for good after an unrecoverable reconnect error.
func (c *Client) fail(epoch uint64, err error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.pub.Publish(c.lifecycle(KindTransportError, Lifecycle{Code: -1, Reason: err.Error(), Fatal: true, Err: err}))
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(ctx, conn, NewEnvelope(KindHeartbeat, "", Empty{})); err != nil {
				return
			}
		}
	}
}

func (c *Client) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

// stopLocked drops the current link and reconnect timer without publishing.
func (c *Client) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		c.conn.CloseNow()
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Client) lifecycle(kind Kind, l Lifecycle) Envelope {
	return Envelope{Kind: kind, Timestamp: time.Now().UnixMilli(), Payload: l}
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// isAuthError returns true if the error indicates a 401 handshake rejection.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) {
		return true
	}
	return strings.Contains(err.Error(), "401")
}
