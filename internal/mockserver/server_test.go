package mockserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/stream"
	"github.com/thruflo/mpcwatch/internal/testutil"
)

const testToken = "test-token"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	cfg.Logger = logging.Discard()
	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func dialWS(t *testing.T, hs *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) stream.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := stream.UnmarshalFrame(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f stream.Frame) {
	t.Helper()
	data, err := f.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("walks the script one poll at a time", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{AdvanceOnPoll: true})
		client := api.NewClient(hs.URL, api.WithAuthToken(testToken))
		ctx, cancel := testutil.ShortOperationContext(t)
		defer cancel()

		var got []string
		for range DefaultScript {
			resp, err := client.JobStatus(ctx, "job-1")
			require.NoError(t, err)
			got = append(got, resp.Status)
		}
		assert.Equal(t, DefaultScript, got)

		resp, err := client.JobStatus(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "completed", resp.Status, "stays terminal")
		assert.JSONEq(t, string(DefaultResult), string(resp.Result))
		require.NotNil(t, resp.UpdatedAt)
		require.Len(t, resp.Participants, 2)
		assert.Equal(t, jobs.JoinApproved, resp.Participants[1].JoinStatus)
	})

	t.Run("holds still without advance on poll", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{})
		client := api.NewClient(hs.URL, api.WithAuthToken(testToken))
		for i := 0; i < 3; i++ {
			resp, err := client.JobStatus(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, "initialized", resp.Status)
			assert.Equal(t, jobs.JoinPending, resp.Participants[1].JoinStatus)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{Jobs: []string{"job-1"}})
		client := api.NewClient(hs.URL, api.WithAuthToken(testToken))
		_, err := client.JobStatus(context.Background(), "job-2")
		assert.ErrorIs(t, err, api.ErrNotFound)
	})

	t.Run("rejects bad tokens", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{})
		_, err := api.NewClient(hs.URL, api.WithAuthToken("wrong")).JobStatus(context.Background(), "job-1")
		assert.True(t, api.IsAuthError(err))

		_, err = api.NewClient(hs.URL).JobStatus(context.Background(), "job-1")
		assert.True(t, api.IsAuthError(err))
	})

	t.Run("blocks repeated bad tokens", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{RateLimit: RateLimitConfig{BlockAfter: 2, BlockTime: time.Hour}})
		bad := api.NewClient(hs.URL, api.WithAuthToken("wrong"))
		for i := 0; i < 2; i++ {
			_, _ = bad.JobStatus(context.Background(), "job-1")
		}

		_, err := api.NewClient(hs.URL, api.WithAuthToken(testToken)).JobStatus(context.Background(), "job-1")
		var statusErr *api.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	})
}

func TestExportEndpoint(t *testing.T) {
	t.Parallel()

	s, hs := newTestServer(t, Config{})
	client := api.NewClient(hs.URL, api.WithAuthToken(testToken))
	ctx := context.Background()

	_, err := client.Export(ctx, "job-1", "json")
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.Code)

	s.SetStatus("job-1", "completed", "")

	export, err := client.Export(ctx, "job-1", "json")
	require.NoError(t, err)
	assert.Equal(t, "job-job-1-result.json", export.Filename)
	assert.Equal(t, "application/json", export.ContentType)
	assert.JSONEq(t, string(DefaultResult), string(export.Data))

	export, err = client.Export(ctx, "job-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "job-job-1-result.csv", export.Filename)
	assert.Equal(t, "key,value\naggregate.count,3\naggregate.mean,41.5\n", string(export.Data))

	_, err = client.Export(ctx, "job-1", "xlsx")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
}

func TestPushChannel(t *testing.T) {
	t.Parallel()

	t.Run("answers ping with pong", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{})
		conn := dialWS(t, hs, testToken)

		writeFrame(t, conn, stream.NewPingFrame(time.UnixMilli(1234)))
		f := readFrame(t, conn)
		assert.Equal(t, stream.MessageTypePong, f.Type)
		echoed, err := f.PongTime()
		require.NoError(t, err)
		assert.Equal(t, int64(1234), echoed.UnixMilli())
	})

	t.Run("serves a snapshot", func(t *testing.T) {
		t.Parallel()

		s, hs := newTestServer(t, Config{})
		s.Job("b")
		s.Job("a")
		conn := dialWS(t, hs, testToken)

		writeFrame(t, conn, stream.NewSnapshotRequest())
		f := readFrame(t, conn)
		list, err := f.SnapshotData()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Key())
		assert.Equal(t, "initialized", list[0].Status)
		assert.False(t, f.Time().IsZero())
	})

	t.Run("pushes job changes and results", func(t *testing.T) {
		t.Parallel()

		s, hs := newTestServer(t, Config{Script: []string{"initialized", "completed"}})
		conn := dialWS(t, hs, testToken)
		require.Eventually(t, func() bool { return s.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		_, changed := s.Advance("job-1")
		assert.False(t, changed, "first reference only creates the job")
		_, changed = s.Advance("job-1")
		require.True(t, changed)

		f := readFrame(t, conn)
		update, err := f.JobUpdateData()
		require.NoError(t, err)
		assert.Equal(t, "completed", update.Status)

		f = readFrame(t, conn)
		result, err := f.AggregationResultData()
		require.NoError(t, err)
		assert.Equal(t, "job-1", result.JobID)
		assert.JSONEq(t, string(DefaultResult), string(result.Result))
	})

	t.Run("broadcasts admin frames", func(t *testing.T) {
		t.Parallel()

		s, hs := newTestServer(t, Config{})
		conn := dialWS(t, hs, testToken)
		require.Eventually(t, func() bool { return s.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		post := func(path, body string) int {
			req, err := http.NewRequest(http.MethodPost, hs.URL+path, strings.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+testToken)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			return resp.StatusCode
		}

		assert.Equal(t, http.StatusNoContent, post("/admin/notice", `{"message":"maintenance","level":"warn"}`))
		notice, err := readFrame(t, conn).NoticeData()
		require.NoError(t, err)
		assert.Equal(t, "maintenance", notice.Message)

		assert.Equal(t, http.StatusNoContent, post("/admin/health", `{"status":"degraded"}`))
		health, err := readFrame(t, conn).HealthReportData()
		require.NoError(t, err)
		assert.Equal(t, "degraded", health["status"])

		assert.Equal(t, http.StatusOK, post("/admin/jobs/job-9", `{"status":"failed"}`))
		update, err := readFrame(t, conn).JobUpdateData()
		require.NoError(t, err)
		assert.Equal(t, "failed", update.Status)
		assert.Equal(t, failedMessage, update.ErrorMessage)

		assert.Equal(t, http.StatusNoContent, post("/admin/reconnect", `{"reason":"deploy"}`))
		req, err := readFrame(t, conn).ReconnectData()
		require.NoError(t, err)
		assert.Equal(t, "deploy", req.Reason)

		assert.Equal(t, http.StatusBadRequest, post("/admin/notice", `{}`))
	})

	t.Run("rejects bad tokens", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{})
		url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=wrong"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("works with the stream dialer", func(t *testing.T) {
		t.Parallel()

		_, hs := newTestServer(t, Config{})
		opened := make(chan stream.Channel, 1)
		msgs := make(chan []byte, 4)
		stream.NewWebsocketDialer().Dial(context.Background(),
			stream.Target{URL: hs.URL + "/ws", Token: testToken, UserID: "u1"},
			stream.Events{
				Opened:  func(ch stream.Channel) { opened <- ch },
				Failed:  func(err error) { t.Errorf("dial failed: %v", err) },
				Message: func(data []byte) { msgs <- data },
				Closed:  func(error) {},
			})

		var ch stream.Channel
		select {
		case ch = <-opened:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for open")
		}
		defer ch.Close()

		data, err := stream.NewPingFrame(time.UnixMilli(99)).Marshal()
		require.NoError(t, err)
		require.NoError(t, ch.Send(data))
		select {
		case data := <-msgs:
			f, err := stream.UnmarshalFrame(data)
			require.NoError(t, err)
			assert.Equal(t, stream.MessageTypePong, f.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pong")
		}
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0", Token: testToken, StepInterval: 20 * time.Millisecond, Logger: logging.Discard()})
	assert.Empty(t, s.ListenAddr())

	ctx, cancel := testutil.ShortOperationContext(t)
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	require.Eventually(t, func() bool { return s.ListenAddr() != "" }, 5*time.Second, 10*time.Millisecond)

	client := api.NewClient("http://"+s.ListenAddr(), api.WithAuthToken(testToken))
	_, err := client.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := s.Job("job-1")
		return j.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond, "timer advances jobs")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, s.Stop(), "stop is idempotent")
}
