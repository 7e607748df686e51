package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Target describes where and how to open the push channel.
type Target struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/ws".
	URL string
	// Token is the bearer credential issued by the auth collaborator.
	Token string
	// UserID identifies the signed-in user.
	UserID string
	// Metadata is forwarded as query parameters, opaque to this package.
	Metadata map[string]string
}

// DialURL returns the endpoint with the credential, user identity and
// metadata encoded as query parameters.
func (t Target) DialURL() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("invalid push endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid push endpoint scheme %q", u.Scheme)
	}

	q := u.Query()
	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, t.Metadata[k])
	}
	if t.UserID != "" {
		q.Set("user_id", t.UserID)
	}
	q.Set("token", t.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel is an open push connection. It is owned by the Manager.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Events receives the outcome of a dial and everything that happens on the
// resulting channel. Callbacks run on transport goroutines, in order, and
// Closed is called at most once after Opened.
type Events struct {
	Opened  func(Channel)
	Failed  func(error)
	Message func([]byte)
	Closed  func(error)
}

// Dialer opens push channels. Dial must return immediately and report the
// outcome through ev. Canceling ctx aborts a dial in progress.
type Dialer interface {
	Dial(ctx context.Context, target Target, ev Events)
}

// WebsocketDialer dials the push channel over a websocket.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readLimit    int64
}

// DialerOption configures a WebsocketDialer.
type DialerOption func(*WebsocketDialer)

// WithHandshakeTimeout sets the websocket opening handshake timeout.
func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(w *WebsocketDialer) {
		w.dialer.HandshakeTimeout = d
	}
}

// WithWriteTimeout sets the deadline applied to each outbound frame.
func WithWriteTimeout(d time.Duration) DialerOption {
	return func(w *WebsocketDialer) {
		w.writeTimeout = d
	}
}

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) DialerOption {
	return func(w *WebsocketDialer) {
		w.readLimit = n
	}
}

// NewWebsocketDialer creates a WebsocketDialer.
func NewWebsocketDialer(opts ...DialerOption) *WebsocketDialer {
	w := &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		writeTimeout: 10 * time.Second,
		readLimit:    4 << 20,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dial opens the websocket in a new goroutine and then reads frames until
// the connection ends.
func (w *WebsocketDialer) Dial(ctx context.Context, target Target, ev Events) {
	go w.run(ctx, target, ev)
}

func (w *WebsocketDialer) run(ctx context.Context, target Target, ev Events) {
	endpoint, err := target.DialURL()
	if err != nil {
		ev.Failed(err)
		return
	}

	header := http.Header{}
	if target.Token != "" {
		header.Set("Authorization", "Bearer "+target.Token)
	}

	conn, resp, err := w.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: handshake returned %d", ErrUnauthorized, resp.StatusCode)
		} else {
			err = fmt.Errorf("failed to connect: %w", err)
		}
		ev.Failed(err)
		return
	}
	if w.readLimit > 0 {
		conn.SetReadLimit(w.readLimit)
	}

	ch := newWSChannel(conn, w.writeTimeout)
	defer ch.stop()
	ev.Opened(ch)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ch.isClosed() {
				err = nil
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("channel closed by server: %w", err)
			}
			_ = conn.Close()
			ev.Closed(err)
			return
		}
		ev.Message(data)
	}
}

// sendQueue is how many outbound frames a channel buffers before Send
// starts refusing them.
const sendQueue = 16

// errSendBacklog means the writer has fallen behind, usually because the
// socket is stalled.
var errSendBacklog = errors.New("send queue full")

// wsChannel queues outbound frames for a single writer goroutine, so Send
// never blocks the caller on the network. A write that fails or misses
// its deadline closes the connection, which the reader reports as Closed.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	out          chan []byte
	done         chan struct{}
	stopOnce     sync.Once

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	c := &wsChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, sendQueue),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errSendBacklog
	}
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.conn.Close()
				c.stop()
				return
			}
		}
	}
}

// stop ends the writer. Frames still queued are dropped.
func (c *wsChannel) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stop()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
