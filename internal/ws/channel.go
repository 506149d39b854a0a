// Package ws keeps one websocket open to the chat backend for the active
// conversation and reconnects with exponential backoff when it drops.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chattysync/internal/metrics"
)

const (
	dialTimeout  = 10 * time.Second
	closeTimeout = time.Second

	// jitter is uniform in [0, delay/jitterDivisor)
	jitterDivisor = 2
)

type State int

const (
	Closed State = iota
	Connecting
	Open
	// Disconnected is terminal: the retry budget is spent and only an
	// explicit Open starts over.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

type Status struct {
	ConversationID string
	State          State
	// Attempt is the reconnect attempt in progress or scheduled, 0 when the
	// connection was never lost.
	Attempt     int
	MaxAttempts int
	// Reconnecting is set on the Closed status emitted when a retry is
	// scheduled.
	Reconnecting bool
	// Reconnected is set on the Open status that follows a lost connection.
	Reconnected bool
	Err         error
}

// ErrNotOpen is returned by sends while no session is open for the
// conversation.
var ErrNotOpen = errors.New("transport not open")

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// TokenSource supplies the credential attached to each dial.
type TokenSource interface {
	Token() string
}

type Options struct {
	// URL is the backend's websocket base, e.g. wss://chat.example.com.
	URL         string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ReadLimit   int64
	Tokens      TokenSource
	// Reauth is called with the rejected token when the server refuses the
	// handshake with 401, before the retry is scheduled.
	Reauth      func(ctx context.Context, staleToken string) error
	Dialer      Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Channel struct {
	baseURL     string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	readLimit   int64
	tokens      TokenSource
	reauth      func(ctx context.Context, staleToken string) error
	dialer      Dialer
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	// after schedules fn; tests replace it to control time.
	after func(d time.Duration, fn func()) *time.Timer

	mu             sync.Mutex
	gen            uint64
	state          State
	conversationID string
	conn           Conn
	attempt        int
	lost           bool
	timer          *time.Timer
	lastErr        error

	listenMu  sync.Mutex
	nextID    int
	events    map[int]func(Event)
	statusFns map[int]func(Status)
}

func New(opts Options) *Channel {
	c := &Channel{
		baseURL:     strings.TrimRight(opts.URL, "/"),
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		readLimit:   opts.ReadLimit,
		tokens:      opts.Tokens,
		reauth:      opts.Reauth,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		after:       time.AfterFunc,
		events:      make(map[int]func(Event)),
		statusFns:   make(map[int]func(Status)),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = 30 * c.baseDelay
	}
	if c.dialer == nil {
		c.dialer = gorillaDialer{d: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.setStateMetric(Closed)
	return c
}

// Open connects to conversationID. A session for another conversation is
// closed first with a normal closure. Opening the conversation that is
// already open, connecting or waiting to reconnect is a no-op.
func (c *Channel) Open(conversationID string) {
	c.mu.Lock()
	if c.conversationID == conversationID {
		if c.state == Open || c.state == Connecting || c.timer != nil {
			c.mu.Unlock()
			return
		}
	}
	old := c.teardownLocked()
	c.conversationID = conversationID
	c.attempt = 0
	c.lost = false
	c.lastErr = nil
	c.state = Connecting
	gen := c.gen
	st := c.statusLocked()
	c.mu.Unlock()

	closeGracefully(old)
	c.logger.Info("transport_open", "conversation", conversationID)
	c.emitStatus(st)
	go c.connect(gen, conversationID)
}

// Close ends the session deliberately. No reconnect follows.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == Closed && c.conn == nil && c.timer == nil && c.conversationID == "" {
		c.mu.Unlock()
		return
	}
	old := c.teardownLocked()
	conv := c.conversationID
	c.conversationID = ""
	c.attempt = 0
	c.lost = false
	c.lastErr = nil
	c.state = Closed
	st := c.statusLocked()
	st.ConversationID = conv
	c.mu.Unlock()

	closeGracefully(old)
	c.logger.Info("transport_closed", "conversation", conv)
	c.emitStatus(st)
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Subscribe registers fn for every decoded push event, in arrival order.
// The returned func unregisters it.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	id := c.nextID
	c.nextID++
	c.events[id] = fn
	return func() {
		c.listenMu.Lock()
		delete(c.events, id)
		c.listenMu.Unlock()
	}
}

// OnStatus registers fn for status transitions.
func (c *Channel) OnStatus(fn func(Status)) func() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	id := c.nextID
	c.nextID++
	c.statusFns[id] = fn
	return func() {
		c.listenMu.Lock()
		delete(c.statusFns, id)
		c.listenMu.Unlock()
	}
}

// teardownLocked invalidates every goroutine of the current session and
// returns the connection the caller must close after unlocking.
func (c *Channel) teardownLocked() Conn {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Channel) statusLocked() Status {
	return Status{
		ConversationID: c.conversationID,
		State:          c.state,
		Attempt:        c.attempt,
		MaxAttempts:    c.maxAttempts,
		Reconnecting:   c.state == Closed && c.timer != nil,
		Err:            c.lastErr,
	}
}

func (c *Channel) connect(gen uint64, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := c.dialer.DialContext(ctx, c.endpoint(conversationID, token), header)
	if err != nil && IsUnauthorized(err) && token != "" && c.reauth != nil && c.current(gen) {
		// the retry dials with whatever token the refresh leaves behind
		if rerr := c.reauth(ctx, token); rerr != nil {
			c.logger.Warn("transport_reauth_failed", "conversation", conversationID, "error", rerr)
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeGracefully(conn)
		return
	}
	if err != nil {
		st := c.failLocked(err)
		c.mu.Unlock()
		c.emitStatus(st)
		return
	}
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	c.conn = conn
	c.state = Open
	c.attempt = 0
	c.lastErr = nil
	st := c.statusLocked()
	st.Reconnected = c.lost
	c.lost = false
	c.mu.Unlock()

	c.logger.Info("transport_connected", "conversation", conversationID, "reconnected", st.Reconnected)
	c.emitStatus(st)
	c.readLoop(gen, conn)
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// Send writes one text frame on the session for conversationID.
func (c *Channel) Send(conversationID string, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == Open && conn != nil && c.conversationID == conversationID
	c.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// SendTyping tells the conversation's other members whether the user is
// typing.
func (c *Channel) SendTyping(conversationID string, isTyping bool) error {
	frame, err := EncodeTyping(conversationID, isTyping)
	if err != nil {
		return err
	}
	return c.Send(conversationID, frame)
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				// deliberate close or a newer session
				c.mu.Unlock()
				return
			}
			c.conn = nil
			var st Status
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.state = Closed
				c.lastErr = nil
				st = c.statusLocked()
				c.mu.Unlock()
				conn.Close()
				c.logger.Info("transport_closed_by_server", "conversation", st.ConversationID)
				c.emitStatus(st)
				return
			}
			st = c.failLocked(err)
			c.mu.Unlock()
			conn.Close()
			c.emitStatus(st)
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			if c.metrics != nil {
				c.metrics.DroppedEvents.Inc()
			}
			c.logger.Warn("push_event_dropped", "error", err, "bytes", len(data))
			continue
		}
		if c.metrics != nil {
			c.metrics.PushEvents.WithLabelValues(string(ev.Type)).Inc()
		}
		c.emitEvent(gen, ev)
	}
}

// failLocked records an unexpected loss and either schedules the next
// attempt or, with the budget spent, moves to Disconnected.
func (c *Channel) failLocked(err error) Status {
	c.lost = true
	c.lastErr = err
	if c.attempt >= c.maxAttempts {
		c.state = Disconnected
		c.logger.Warn("transport_disconnected", "conversation", c.conversationID,
			"attempts", c.attempt, "error", err)
		return c.statusLocked()
	}

	c.attempt++
	c.state = Closed
	delay := c.backoff(c.attempt)
	gen, conv := c.gen, c.conversationID
	c.timer = c.after(delay, func() { c.retry(gen, conv) })
	if c.metrics != nil {
		c.metrics.ReconnectAttempts.Inc()
	}
	c.logger.Warn("transport_lost", "conversation", conv, "attempt", c.attempt,
		"max_attempts", c.maxAttempts, "delay", delay, "unauthorized", IsUnauthorized(err), "error", err)
	return c.statusLocked()
}

// retry runs when a scheduled backoff fires. It is dropped if the session
// was closed or switched to another conversation in the meantime.
func (c *Channel) retry(gen uint64, conversationID string) {
	c.mu.Lock()
	if gen != c.gen || conversationID != c.conversationID || c.state != Closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Connecting
	st := c.statusLocked()
	c.mu.Unlock()

	c.emitStatus(st)
	c.connect(gen, conversationID)
}

// backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay, plus jitter.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	d = min(d, c.maxDelay)
	if j := int64(d) / jitterDivisor; j > 0 {
		d += time.Duration(rand.Int64N(j)) //nolint:gosec // reconnect jitter
	}
	return d
}

func (c *Channel) endpoint(conversationID, token string) string {
	q := url.Values{}
	q.Set("roomId", conversationID)
	if token != "" {
		q.Set("token", token)
	}
	return c.baseURL + "/ws/chat?" + q.Encode()
}

func (c *Channel) emitEvent(gen uint64, ev Event) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	for _, fn := range c.listeners(c.events) {
		c.safely("event_listener", func() { fn(ev) })
	}
}

func (c *Channel) emitStatus(st Status) {
	c.setStateMetric(st.State)
	for _, fn := range c.statusListeners() {
		c.safely("status_listener", func() { fn(st) })
	}
}

func (c *Channel) listeners(m map[int]func(Event)) []func(Event) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m[id])
	}
	return fns
}

func (c *Channel) statusListeners() []func(Status) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	ids := make([]int, 0, len(c.statusFns))
	for id := range c.statusFns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.statusFns[id])
	}
	return fns
}

func (c *Channel) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener_panic", "listener", what, "panic", r)
		}
	}()
	fn()
}

func (c *Channel) setStateMetric(s State) {
	if c.metrics == nil {
		return
	}
	for _, st := range []State{Closed, Connecting, Open, Disconnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		c.metrics.TransportStatus.WithLabelValues(st.String()).Set(v)
	}
}

func closeGracefully(conn Conn) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	_ = conn.Close()
}

type gorillaDialer struct {
	d *websocket.Dialer
}

func (g gorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, resp, err := g.d.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// HandshakeError reports an upgrade the server refused with an HTTP status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return "websocket handshake: " + http.StatusText(e.Status) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a handshake refused with 401.
func IsUnauthorized(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he) && he.Status == http.StatusUnauthorized
}
