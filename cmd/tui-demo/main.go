// tui-demo is a manual test program for checking the watch display.
// Run with: go run ./cmd/tui-demo [-plain]
//
// It plays a scripted sequence of frames without a job service:
// - jobs moving from pending approval to completed or failed
// - a reconnect cycle with attempt counts and latency
// - a notice, a health report and a fatal error
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/session"
	"github.com/thruflo/mpcwatch/internal/stream"
	"github.com/thruflo/mpcwatch/internal/tui"
)

func main() {
	plain := flag.Bool("plain", false, "print changes line by line")
	delay := flag.Duration("delay", 1500*time.Millisecond, "time between frames")
	flag.Parse()

	term := tui.NewTerminal(os.Stdout)
	d := tui.NewDisplay(term, !*plain && term.Interactive())
	d.Start()
	defer d.Close()

	for _, m := range frames() {
		d.Draw(m)
		time.Sleep(*delay)
	}
	fmt.Println()
}

func frames() []tui.Model {
	now := time.Now()
	joined := now.Add(-time.Minute)
	participants := func(approved bool) []jobs.Participant {
		second := jobs.JoinPending
		var at *time.Time
		if approved {
			second, at = jobs.JoinApproved, &joined
		}
		return []jobs.Participant{
			{OrgID: "org-acme", DisplayName: "Acme Bank", JoinStatus: jobs.JoinApproved, JoinedAt: &joined},
			{OrgID: "org-globex", DisplayName: "Globex", JoinStatus: second, JoinedAt: at},
		}
	}
	job := func(id string, status jobs.Status, approved bool) jobs.Job {
		return jobs.Job{ID: id, Status: status, Participants: participants(approved), Version: now, Active: true}
	}
	connected := session.Indicator{State: stream.StateConnected, MaxAttempts: 5, HasRTT: true, Latency: 42 * time.Millisecond}

	var out []tui.Model
	add := func(ind session.Indicator, js ...jobs.Job) {
		out = append(out, tui.Model{Jobs: js, Indicator: ind})
	}

	add(session.Indicator{State: stream.StateConnecting, MaxAttempts: 5},
		jobs.Job{ID: "salary-survey", Active: true}, jobs.Job{ID: "fraud-signals", Active: true})
	add(connected,
		job("salary-survey", jobs.StatusPendingApproval, false), job("fraud-signals", jobs.StatusPendingApproval, false))
	add(connected,
		job("salary-survey", jobs.StatusInProgress, true), job("fraud-signals", jobs.StatusPendingApproval, false))

	reconnecting := session.Indicator{State: stream.StateReconnecting, Attempt: 2, MaxAttempts: 5}
	fetchErr := job("fraud-signals", jobs.StatusPendingApproval, false)
	fetchErr.LastFetchError = "dial tcp 10.0.0.7:443: connect: connection refused"
	add(reconnecting, job("salary-survey", jobs.StatusInProgress, true), fetchErr)

	notice := connected
	notice.Notice = stream.Notice{Message: "maintenance window at 18:00 UTC", Level: "warn"}
	notice.NoticeSeq = 1
	notice.Health = map[string]any{"status": "ok", "queue_depth": 3}
	done := job("salary-survey", jobs.StatusCompleted, true)
	done.Result = []byte(`{"aggregate":{"mean":41.5,"count":3}}`)
	add(notice, done, job("fraud-signals", jobs.StatusInProgress, true))

	failed := job("fraud-signals", jobs.StatusFailed, true)
	failed.ErrorMessage = "secure computation aborted"
	fatal := notice
	fatal.State = stream.StateErrored
	fatal.Fatal = stream.ErrReconnectExhausted
	add(fatal, done, failed)
	return out
}
