package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chattysync/internal/logger"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode int
	written   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.frames:
		if !ok {
			return 0, nil, errors.New("connection reset by peer")
		}
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(data[0])<<8 | int(data[1])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// drop simulates the server going away without a close frame.
func (f *fakeConn) drop() { close(f.frames) }

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  func(n int) error
}

func (d *fakeDialer) DialContext(_ context.Context, u string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	if d.fail != nil {
		if err := d.fail(len(d.urls)); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type statusLog struct {
	mu  sync.Mutex
	all []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
}

func (l *statusLog) has(match func(Status) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.all {
		if match(s) {
			return true
		}
	}
	return false
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

type swapToken struct {
	mu  sync.Mutex
	tok string
}

func (s *swapToken) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

func (s *swapToken) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

func newTestChannel(d Dialer, maxAttempts int) *Channel {
	return New(Options{
		URL:         "ws://chat.test",
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Tokens:      staticToken("tok"),
		Dialer:      d,
		Logger:      logger.Discard(),
	})
}

func TestChannelDeliversEventsInOrderAndDropsMalformed(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	var mu sync.Mutex
	var got []string
	c.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.MessageID)
		mu.Unlock()
	})

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	d.mu.Lock()
	u := d.urls[0]
	d.mu.Unlock()
	require.Contains(t, u, "roomId=c1")
	require.Contains(t, u, "token=tok")

	conn := d.conn(0)
	conn.frames <- []byte(`{"type":"MESSAGE","payload":{"messageId":"a","channelId":"c1","sentAt":"2024-01-01T00:00:00Z"}}`)
	conn.frames <- []byte(`garbage`)
	conn.frames <- []byte(`{"type":"MESSAGE_DELETED","payload":{"messageId":"b","channelId":"c1"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"a", "b"}, got)
	mu.Unlock()
}

func TestChannelListenerPanicDoesNotStopOthers(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	var calls atomic.Int32
	c.Subscribe(func(Event) { panic("boom") })
	c.Subscribe(func(Event) { calls.Add(1) })

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	d.conn(0).frames <- []byte(`{"type":"MESSAGE_DELETED","payload":{"messageId":"x","channelId":"c1"}}`)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	var log statusLog
	c.OnStatus(log.add)

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)

	d.conn(0).drop()

	require.Eventually(t, func() bool { return d.dials() == 2 && c.Status().State == Open }, time.Second, time.Millisecond)
	require.True(t, log.has(func(s Status) bool { return s.Reconnecting && s.Attempt == 1 }))
	require.True(t, log.has(func(s Status) bool { return s.State == Open && s.Reconnected }))
	require.Equal(t, 0, c.Status().Attempt)
}

func TestChannelGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{fail: func(int) error { return errors.New("connection refused") }}
	c := newTestChannel(d, 3)
	defer c.Close()

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Disconnected }, time.Second, time.Millisecond)

	// the first dial plus three retries
	require.Equal(t, 4, d.dials())
	st := c.Status()
	require.Equal(t, 3, st.Attempt)
	require.Error(t, st.Err)

	// a fresh Open starts over
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	require.Equal(t, 0, c.Status().Attempt)
}

func TestChannelCloseCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{fail: func(int) error { return errors.New("connection refused") }}
	c := newTestChannel(d, 3)

	var scheduled []func()
	var mu sync.Mutex
	c.after = func(_ time.Duration, fn func()) *time.Timer {
		mu.Lock()
		scheduled = append(scheduled, fn)
		mu.Unlock()
		return time.NewTimer(time.Hour)
	}

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().Reconnecting }, time.Second, time.Millisecond)

	c.Close()
	mu.Lock()
	fire := scheduled[0]
	mu.Unlock()
	fire()

	require.Equal(t, 1, d.dials())
	require.Equal(t, Closed, c.Status().State)
}

func TestChannelSwitchDropsStaleRetry(t *testing.T) {
	d := &fakeDialer{fail: func(n int) error {
		if n == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	c := newTestChannel(d, 3)
	defer c.Close()

	var scheduled []func()
	var mu sync.Mutex
	c.after = func(_ time.Duration, fn func()) *time.Timer {
		mu.Lock()
		scheduled = append(scheduled, fn)
		mu.Unlock()
		return time.NewTimer(time.Hour)
	}

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().Reconnecting }, time.Second, time.Millisecond)

	c.Open("c2")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)

	mu.Lock()
	fire := scheduled[0]
	mu.Unlock()
	fire()

	require.Equal(t, 2, d.dials())
	require.Equal(t, "c2", c.Status().ConversationID)
}

func TestChannelOpenIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	c.Open("c1")
	require.Equal(t, 1, d.dials())
}

func TestChannelSwitchClosesOldSessionNormally(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	c.Open("c2")
	require.Eventually(t, func() bool { return d.dials() == 2 && c.Status().State == Open }, time.Second, time.Millisecond)

	require.Equal(t, websocket.CloseNormalClosure, d.conn(0).code())
	// the old session's read error must not schedule a retry
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, d.dials())
}

func TestBackoffIsCapped(t *testing.T) {
	c := New(Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Dialer: &fakeDialer{}, Logger: logger.Discard()})
	for attempt, floor := range map[int]time.Duration{1: 10 * time.Millisecond, 2: 20 * time.Millisecond, 3: 40 * time.Millisecond, 6: 40 * time.Millisecond} {
		d := c.backoff(attempt)
		if d < floor || d >= floor+floor/2 {
			t.Errorf("attempt %d: got %v want [%v, %v)", attempt, d, floor, floor+floor/2)
		}
	}
}

func TestChannelAgainstGorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	closeCodes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MESSAGE","payload":{"messageId":"m1","channelId":"`+r.URL.Query().Get("roomId")+`","sentAt":"2024-01-01T00:00:00Z"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCodes <- ce.Code
				}
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		BaseDelay: time.Millisecond,
		Tokens:    staticToken("tok"),
		Logger:    logger.Discard(),
	})
	got := make(chan Event, 1)
	c.Subscribe(func(ev Event) { got <- ev })

	c.Open("room-9")
	select {
	case ev := <-got:
		require.Equal(t, "m1", ev.MessageID)
		require.Equal(t, "room-9", ev.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	c.Close()
	select {
	case code := <-closeCodes:
		require.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no close frame")
	}
}

func TestChannelReauthenticatesAfterRejectedHandshake(t *testing.T) {
	d := &fakeDialer{fail: func(n int) error {
		if n == 1 {
			return &HandshakeError{Status: http.StatusUnauthorized, Err: errors.New("bad handshake")}
		}
		return nil
	}}
	tokens := &swapToken{tok: "stale"}
	var mu sync.Mutex
	var rejected []string
	c := New(Options{
		URL:       "ws://chat.test",
		BaseDelay: time.Millisecond,
		Tokens:    tokens,
		Reauth: func(_ context.Context, stale string) error {
			mu.Lock()
			rejected = append(rejected, stale)
			mu.Unlock()
			tokens.set("fresh")
			return nil
		},
		Dialer: d,
		Logger: logger.Discard(),
	})
	defer c.Close()

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"stale"}, rejected)
	mu.Unlock()
	d.mu.Lock()
	require.Contains(t, d.urls[0], "token=stale")
	require.Contains(t, d.urls[1], "token=fresh")
	d.mu.Unlock()
}

func TestChannelDoesNotReauthOnOtherFailures(t *testing.T) {
	var calls atomic.Int32
	d := &fakeDialer{fail: func(n int) error {
		if n == 1 {
			return &HandshakeError{Status: http.StatusServiceUnavailable, Err: errors.New("bad handshake")}
		}
		return nil
	}}
	c := New(Options{
		URL:       "ws://chat.test",
		BaseDelay: time.Millisecond,
		Tokens:    staticToken("tok"),
		Reauth:    func(context.Context, string) error { calls.Add(1); return nil },
		Dialer:    d,
		Logger:    logger.Discard(),
	})
	defer c.Close()

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
}

func TestChannelSendTyping(t *testing.T) {
	d := &fakeDialer{}
	c := newTestChannel(d, 3)
	defer c.Close()

	require.ErrorIs(t, c.SendTyping("c1", true), ErrNotOpen)

	c.Open("c1")
	require.Eventually(t, func() bool { return c.Status().State == Open }, time.Second, time.Millisecond)

	require.NoError(t, c.SendTyping("c1", true))
	require.ErrorIs(t, c.SendTyping("c2", true), ErrNotOpen)

	sent := d.conn(0).sent()
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"type":"TYPING","payload":{"channelId":"c1","isTyping":true}}`, string(sent[0]))

	c.Close()
	require.ErrorIs(t, c.Send("c1", []byte(`{}`)), ErrNotOpen)
}
