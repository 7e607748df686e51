package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/testutil"
)

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("trims trailing slash from URL", func(t *testing.T) {
		t.Parallel()

		client := NewClient("http://localhost:8480/")
		assert.Equal(t, "http://localhost:8480", client.BaseURL())
	})

	t.Run("applies options", func(t *testing.T) {
		t.Parallel()

		custom := &http.Client{Timeout: time.Second}
		client := NewClient("http://localhost:8480", WithAuthToken("tok"), WithHTTPClient(custom))
		assert.Equal(t, "tok", client.authToken)
		assert.Same(t, custom, client.httpClient)
	})
}

func TestClientJobStatus(t *testing.T) {
	t.Parallel()

	t.Run("decodes the status document", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/jobs/job-1/status", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, testutil.StatusResponseJSON("processing"))
		}))
		defer server.Close()

		client := NewClient(server.URL, WithAuthToken("tok"))
		ctx, cancel := testutil.ShortOperationContext(t)
		defer cancel()

		status, err := client.JobStatus(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "processing", status.Status)
		assert.Equal(t, testutil.SampleParticipants(), status.Participants)
		assert.Nil(t, status.UpdatedAt)
	})

	t.Run("decodes result and error message", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"error","participants":[],"error_message":"threshold not met","result":{"partial":true},"updated_at":"2026-01-01T00:00:05Z"}`)
		}))
		defer server.Close()

		status, err := NewClient(server.URL).JobStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, jobs.Normalize(status.Status))
		assert.Equal(t, "threshold not met", status.ErrorMessage)
		assert.JSONEq(t, `{"partial":true}`, string(status.Result))
		require.NotNil(t, status.UpdatedAt)
		assert.True(t, testutil.Epoch.Add(5*time.Second).Equal(*status.UpdatedAt))
	})

	t.Run("records the service clock from the Date header", func(t *testing.T) {
		t.Parallel()

		date := testutil.Epoch.Add(2 * time.Minute)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Date", date.Format(http.TimeFormat))
			_, _ = io.WriteString(w, `{"status":"completed"}`)
		}))
		defer server.Close()

		status, err := NewClient(server.URL).JobStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.True(t, date.Equal(status.ServerTime), "got %v", status.ServerTime)
	})

	t.Run("escapes job ids", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/jobs/a%2Fb/status", r.URL.EscapedPath())
			_, _ = io.WriteString(w, `{"status":"initialized"}`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).JobStatus(context.Background(), "a/b")
		require.NoError(t, err)
	})

	tests := []struct {
		name  string
		code  int
		check func(t *testing.T, err error)
	}{
		{"401 is an auth error", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.True(t, IsAuthError(err))
		}},
		{"403 is an auth error", http.StatusForbidden, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
		}},
		{"404 is not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"500 is a status error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, 500, se.Code)
			assert.Equal(t, "database unavailable", se.Body)
			assert.Contains(t, err.Error(), "500")
			assert.False(t, IsAuthError(err))
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "database unavailable", tt.code)
			}))
			defer server.Close()

			_, err := NewClient(server.URL).JobStatus(context.Background(), "job-1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	t.Run("fails on malformed body", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":`)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).JobStatus(context.Background(), "job-1")
		assert.Error(t, err)
	})

	t.Run("fails when server not reachable", func(t *testing.T) {
		t.Parallel()

		_, err := NewClient("http://127.0.0.1:1").JobStatus(context.Background(), "job-1")
		assert.Error(t, err)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := NewClient(server.URL).JobStatus(ctx, "job-1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClientExport(t *testing.T) {
	t.Parallel()

	t.Run("returns blob and filename", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/jobs/job-1/export", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "csv", body["format"])

			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="results-job-1.csv"`)
			_, _ = io.WriteString(w, "mean,count\n41.5,3\n")
		}))
		defer server.Close()

		export, err := NewClient(server.URL, WithAuthToken("tok")).Export(context.Background(), "job-1", "csv")
		require.NoError(t, err)
		assert.Equal(t, "results-job-1.csv", export.Filename)
		assert.Equal(t, "text/csv", export.ContentType)
		assert.Equal(t, "mean,count\n41.5,3\n", string(export.Data))
	})

	t.Run("falls back to a derived filename", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{}")
		}))
		defer server.Close()

		export, err := NewClient(server.URL).Export(context.Background(), "job-1", "json")
		require.NoError(t, err)
		assert.Equal(t, "job-job-1.json", export.Filename)
	})

	t.Run("maps errors", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).Export(context.Background(), "missing", "csv")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestExportFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.csv", exportFilename(`attachment; filename=a.csv`, "j", "csv"))
	assert.Equal(t, "job-j.csv", exportFilename(`attachment`, "j", "csv"))
	assert.Equal(t, "job-j.csv", exportFilename(`;;;`, "j", "csv"))
	assert.Equal(t, "job-j.bin", exportFilename("", "j", ""))
}
