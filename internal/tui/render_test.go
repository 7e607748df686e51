package tui

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/session"
	"github.com/thruflo/mpcwatch/internal/stream"
	"github.com/thruflo/mpcwatch/internal/testutil"
)

func TestPadOrTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{"exact", "hello", 5, "hello"},
		{"pad", "hi", 5, "hi   "},
		{"truncate", "hello world", 8, "hello..."},
		{"tiny", "hello", 2, "he"},
		{"zero", "hello", 0, ""},
		{"unicode", "héllo", 6, "héllo "},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, PadOrTruncate(tt.input, tt.width))
		})
	}
}

func TestStyle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain", Style("plain"))
	assert.Equal(t, FgRed+Bold+"x"+Reset, Style("x", FgRed, Bold))
}

func TestStatusText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "loading", StatusText(jobs.Job{ID: "a", Status: jobs.StatusUnknown}))

	loaded := jobs.Job{ID: "a", Status: jobs.StatusInProgress, Version: testutil.Epoch}
	assert.Equal(t, "InProgress", StatusText(loaded))

	odd := jobs.Job{ID: "a", Status: jobs.StatusUnknown, RawStatus: "quarantined", Version: testutil.Epoch}
	assert.Equal(t, "Unknown (quarantined)", StatusText(odd))
}

func TestJobLine(t *testing.T) {
	t.Parallel()

	j := jobs.Job{
		ID:           "job-1",
		Status:       jobs.StatusCompleted,
		Participants: testutil.SampleParticipants(),
		Result:       json.RawMessage(testutil.SampleResult),
		Version:      testutil.Epoch,
		Active:       true,
	}
	assert.Equal(t, "job-1  Completed         1/2 joined  result ready", JobLine(j, 5, false))

	j.Status = jobs.StatusFailed
	j.Result = nil
	j.ErrorMessage = "quorum lost"
	j.LastFetchError = "connection refused"
	j.Active = false
	assert.Equal(t, "job-1  Failed            1/2 joined  error: quorum lost  poll: connection refused  (untracked)",
		JobLine(j, 5, false))

	colored := JobLine(j, 5, true)
	assert.Contains(t, colored, FgRed)
	assert.Contains(t, colored, FgYellow)
}

func TestParticipantLines(t *testing.T) {
	t.Parallel()

	lines := ParticipantLines(jobs.Job{Participants: testutil.SampleParticipants()})
	assert.Equal(t, []string{
		"    Acme Bank (approved) since 2026-01-01T00:01:00Z",
		"    Globex (pending)",
	}, lines)
}

func TestIndicatorLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ind  session.Indicator
		want string
	}{
		{"disconnected", session.Indicator{}, "push: disconnected"},
		{"connecting", session.Indicator{State: stream.StateConnecting}, "push: connecting"},
		{
			"connected with rtt",
			session.Indicator{State: stream.StateConnected, HasRTT: true, Latency: 100 * time.Millisecond},
			"push: connected (rtt 100ms)",
		},
		{
			"reconnecting",
			session.Indicator{State: stream.StateReconnecting, Attempt: 2, MaxAttempts: 5},
			"push: reconnecting (attempt 2/5)",
		},
		{"errored", session.Indicator{State: stream.StateErrored}, "push: offline"},
		{
			"health fields sorted",
			session.Indicator{State: stream.StateConnected, Health: map[string]any{"status": "ok", "nodes": 3}},
			"push: connected  server: nodes=3 status=ok",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IndicatorLine(tt.ind, false))
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		lines := Render(Model{}, 0, false, false)
		assert.Equal(t, []string{"push: disconnected", "", "No jobs tracked."}, lines)
	})

	t.Run("jobs notice and fatal", func(t *testing.T) {
		t.Parallel()

		m := Model{
			Jobs: []jobs.Job{
				{ID: "a", Status: jobs.StatusPendingApproval, Version: testutil.Epoch, Active: true},
				{ID: "long-job", Status: jobs.StatusUnknown, Active: true},
			},
			Indicator: session.Indicator{
				State:     stream.StateErrored,
				Notice:    stream.Notice{Message: "maintenance", Level: "warn"},
				NoticeSeq: 1,
				Fatal:     errors.New("reconnect attempts exhausted"),
			},
		}
		lines := Render(m, 0, false, true)
		assert.Equal(t, []string{
			"push: offline",
			"",
			"a         PendingApproval ",
			"long-job  loading         ",
			"",
			"notice [warn]: maintenance",
			"",
			"Sync stopped: reconnect attempts exhausted. Press r to retry or q to quit.",
		}, lines)
	})

	t.Run("truncates to width", func(t *testing.T) {
		t.Parallel()

		m := Model{Indicator: session.Indicator{Health: map[string]any{"status": strings.Repeat("x", 100)}}}
		for _, line := range Render(m, 20, false, false) {
			assert.LessOrEqual(t, len(line), 20)
		}
	})
}
