package jobs

import "strings"

// Status is the canonical lifecycle status of a job, independent of the
// vocabulary the remote service reports.
type Status string

const (
	StatusPendingApproval Status = "PendingApproval"
	StatusInProgress      Status = "InProgress"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusUnknown         Status = "Unknown"
)

// rawStatuses maps backend status strings (lower-cased) to canonical statuses.
var rawStatuses = map[string]Status{
	"initialized":      StatusPendingApproval,
	"pending":          StatusPendingApproval,
	"pending_approval": StatusPendingApproval,
	"created":          StatusPendingApproval,

	"processing":            StatusInProgress,
	"running":               StatusInProgress,
	"in_progress":           StatusInProgress,
	"waiting_for_data":      StatusInProgress,
	"waiting_for_threshold": StatusInProgress,
	"aggregating":           StatusInProgress,

	"completed": StatusCompleted,
	"complete":  StatusCompleted,
	"done":      StatusCompleted,
	"succeeded": StatusCompleted,

	"error":   StatusFailed,
	"failed":  StatusFailed,
	"failure": StatusFailed,
}

// Normalize maps a raw backend status to a canonical Status. It is total:
// unrecognized input, including the empty string, maps to StatusUnknown.
func Normalize(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := rawStatuses[key]; ok {
		return s
	}
	return StatusUnknown
}

// IsTerminal reports whether no further transition is valid from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along PendingApproval < InProgress < {Completed, Failed}.
// Unknown (and anything unrecognized) is unranked and returns 0.
func (s Status) rank() int {
	switch s {
	case StatusPendingApproval:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Known reports whether s is one of the canonical statuses.
func (s Status) Known() bool {
	return s.rank() > 0 || s == StatusUnknown
}
