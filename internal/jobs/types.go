// Package jobs holds the client-side view of secure computation jobs: the
// canonical status vocabulary, the merge rules that reconcile push and poll
// updates, and the observable store the presentation layer reads from.
package jobs

import (
	"encoding/json"
	"time"
)

// Source identifies which channel produced an update.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Participant join status values.
const (
	JoinPending  = "pending"
	JoinApproved = "approved"
	JoinRejected = "rejected"
)

// Participant is an organization taking part in a job.
type Participant struct {
	OrgID       string     `json:"org_id"`
	DisplayName string     `json:"display_name"`
	JoinStatus  string     `json:"join_status"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
}

// Job is the merged view of one tracked job.
type Job struct {
	ID string `json:"id"`

	// Status is the canonical status. RawStatus keeps the last string the
	// service reported so unrecognized values can still be displayed.
	Status    Status `json:"status"`
	RawStatus string `json:"raw_status,omitempty"`

	Participants []Participant  `json:"participants,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// Version orders writes. Updates older than Version are discarded.
	Version    time.Time `json:"version"`
	LastSource Source    `json:"last_source,omitempty"`

	// LastFetchError is the most recent poll transport error, cleared by the
	// next successful fetch. It never affects Status.
	LastFetchError string `json:"last_fetch_error,omitempty"`

	// Active is false once the caller stops observing the job. Inactive
	// entries are kept for display only.
	Active bool `json:"active"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Loaded reports whether any channel has delivered data for the job yet.
func (j Job) Loaded() bool {
	return !j.Version.IsZero()
}

// Update is an incoming write from either channel, already normalized.
type Update struct {
	JobID        string
	Status       Status
	RawStatus    string
	Participants []Participant // nil leaves participants unchanged
	Result       json.RawMessage
	ErrorMessage string
	Version      time.Time
	Source       Source
}

// Change is published to store subscribers after an update is applied.
type Change struct {
	Job Job
}
