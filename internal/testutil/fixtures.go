package testutil

import (
	"fmt"
	"time"

	"github.com/thruflo/mpcwatch/internal/jobs"
)

// ScenarioStatuses is the raw status vocabulary a job reports on its way to
// completion, one entry per poll.
var ScenarioStatuses = []string{"initialized", "processing", "processing", "completed"}

// ScenarioCanonical is ScenarioStatuses normalized.
var ScenarioCanonical = []jobs.Status{
	jobs.StatusPendingApproval,
	jobs.StatusInProgress,
	jobs.StatusInProgress,
	jobs.StatusCompleted,
}

// SampleParticipants returns two participants: one approved, one pending.
func SampleParticipants() []jobs.Participant {
	joined := Epoch.Add(time.Minute)
	return []jobs.Participant{
		{OrgID: "org-acme", DisplayName: "Acme Bank", JoinStatus: jobs.JoinApproved, JoinedAt: &joined},
		{OrgID: "org-globex", DisplayName: "Globex", JoinStatus: jobs.JoinPending},
	}
}

// SampleResult is an aggregation result blob.
const SampleResult = `{"aggregate":{"mean":41.5,"count":3}}`

// StatusResponseJSON returns a poll endpoint body reporting status with the
// sample participants.
func StatusResponseJSON(status string) string {
	return fmt.Sprintf(`{"status":%q,"participants":[`+
		`{"org_id":"org-acme","display_name":"Acme Bank","join_status":"approved","joined_at":"2026-01-01T00:01:00Z"},`+
		`{"org_id":"org-globex","display_name":"Globex","join_status":"pending"}]}`, status)
}

// JobUpdateFrameJSON returns a job-update push frame for id.
func JobUpdateFrameJSON(id, status string, ts time.Time) string {
	return fmt.Sprintf(`{"type":"job-update","data":{"job_id":%q,"status":%q},"timestamp":%q}`,
		id, status, ts.UTC().Format(time.RFC3339Nano))
}

// SampleUpdate returns a normalized update for id.
func SampleUpdate(id, raw string, version time.Time, source jobs.Source) jobs.Update {
	return jobs.Update{
		JobID:     id,
		Status:    jobs.Normalize(raw),
		RawStatus: raw,
		Version:   version,
		Source:    source,
	}
}
