package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events collects transport callbacks on channels.
type events struct {
	opened chan Channel
	failed chan error
	msgs   chan []byte
	closed chan error
}

func newEvents() (*events, Events) {
	e := &events{
		opened: make(chan Channel, 1),
		failed: make(chan error, 1),
		msgs:   make(chan []byte, 16),
		closed: make(chan error, 1),
	}
	return e, Events{
		Opened:  func(ch Channel) { e.opened <- ch },
		Failed:  func(err error) { e.failed <- err },
		Message: func(data []byte) { e.msgs <- data },
		Closed:  func(err error) { e.closed <- err },
	}
}

func wsURL(server *httptest.Server) string {
	return server.URL + "/ws"
}

func TestWebsocketDialer(t *testing.T) {
	t.Parallel()

	t.Run("exchanges frames", func(t *testing.T) {
		t.Parallel()

		received := make(chan []byte, 1)
		upgrader := websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "tok", r.URL.Query().Get("token"))
			assert.Equal(t, "u1", r.URL.Query().Get("user_id"))

			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong","echoedTime":5}`))
			_, data, err := conn.ReadMessage()
			if err == nil {
				received <- data
			}
			_, _, _ = conn.ReadMessage()
		}))
		defer server.Close()

		e, ev := newEvents()
		NewWebsocketDialer().Dial(context.Background(), Target{URL: wsURL(server), Token: "tok", UserID: "u1"}, ev)

		var ch Channel
		select {
		case ch = <-e.opened:
		case err := <-e.failed:
			t.Fatalf("dial failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for open")
		}

		select {
		case data := <-e.msgs:
			assert.JSONEq(t, `{"type":"pong","echoedTime":5}`, string(data))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}

		ping, err := NewPingFrame(time.UnixMilli(7)).Marshal()
		require.NoError(t, err)
		require.NoError(t, ch.Send(ping))
		select {
		case data := <-received:
			assert.JSONEq(t, `{"type":"ping","clientTime":7}`, string(data))
		case <-time.After(5 * time.Second):
			t.Fatal("server did not receive ping")
		}

		require.NoError(t, ch.Close())
		select {
		case err := <-e.closed:
			assert.NoError(t, err, "local close reports nil")
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for close")
		}
		assert.Error(t, ch.Send(ping), "send after close")
	})

	t.Run("reports server close", func(t *testing.T) {
		t.Parallel()

		upgrader := websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.Close()
		}))
		defer server.Close()

		e, ev := newEvents()
		NewWebsocketDialer().Dial(context.Background(), Target{URL: wsURL(server), Token: "tok"}, ev)

		select {
		case <-e.opened:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for open")
		}
		select {
		case err := <-e.closed:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for close")
		}
	})

	t.Run("maps 401 to ErrUnauthorized", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad token", http.StatusUnauthorized)
		}))
		defer server.Close()

		e, ev := newEvents()
		NewWebsocketDialer().Dial(context.Background(), Target{URL: wsURL(server), Token: "bad"}, ev)

		select {
		case err := <-e.failed:
			assert.ErrorIs(t, err, ErrUnauthorized)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for failure")
		}
	})

	t.Run("fails when server not reachable", func(t *testing.T) {
		t.Parallel()

		e, ev := newEvents()
		NewWebsocketDialer(WithHandshakeTimeout(time.Second)).
			Dial(context.Background(), Target{URL: "ws://127.0.0.1:1/ws", Token: "tok"}, ev)

		select {
		case err := <-e.failed:
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrUnauthorized))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for failure")
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		e, ev := newEvents()
		NewWebsocketDialer().Dial(ctx, Target{URL: "ws://127.0.0.1:1/ws", Token: "tok"}, ev)

		select {
		case err := <-e.failed:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for failure")
		}
	})
}

func TestWebsocketSendDoesNotBlockOnStalledPeer(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer server.Close()
	defer close(release)

	e, ev := newEvents()
	NewWebsocketDialer(WithWriteTimeout(200*time.Millisecond)).
		Dial(context.Background(), Target{URL: wsURL(server), Token: "tok"}, ev)

	var ch Channel
	select {
	case ch = <-e.opened:
	case err := <-e.failed:
		t.Fatalf("dial failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for open")
	}

	frame := make([]byte, 1<<20)
	sent := make(chan error, 1)
	go func() {
		var last error
		for i := 0; i < 64 && last == nil; i++ {
			last = ch.Send(frame)
		}
		sent <- last
	}()

	select {
	case err := <-sent:
		assert.Error(t, err, "a stalled peer eventually backs up the queue")
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked on a stalled peer")
	}

	select {
	case err := <-e.closed:
		assert.Error(t, err, "a missed write deadline closes the channel")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestWebsocketDialerOptions(t *testing.T) {
	t.Parallel()

	d := NewWebsocketDialer(
		WithHandshakeTimeout(2*time.Second),
		WithWriteTimeout(3*time.Second),
		WithReadLimit(1024),
	)
	assert.Equal(t, 2*time.Second, d.dialer.HandshakeTimeout)
	assert.Equal(t, 3*time.Second, d.writeTimeout)
	assert.Equal(t, int64(1024), d.readLimit)
}
