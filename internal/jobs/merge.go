package jobs

import "slices"

// Merge combines the stored job with an incoming update and returns the new
// stored value and whether anything changed. It is a pure function of its
// arguments so push and poll writers can interleave in either order.
//
// Rules, in order:
//   - a terminal status is never replaced; only a missing result (Completed)
//     or a missing error message (Failed) may be filled in
//   - an update older than the stored version is discarded
//   - a ranked status never regresses, and Unknown never replaces a ranked one
func Merge(current Job, u Update) (Job, bool) {
	next := current
	next.ID = u.JobID
	next.Participants = slices.Clone(current.Participants)

	if current.Status.IsTerminal() {
		return fillTerminal(next, u)
	}

	if u.Version.Before(current.Version) {
		return current, false
	}

	changed := false
	if status, ok := advance(current.Status, u.Status); ok {
		next.Status = status
		changed = true
	}
	if u.RawStatus != "" && u.RawStatus != current.RawStatus {
		next.RawStatus = u.RawStatus
		changed = true
	}
	if u.Participants != nil && !slices.EqualFunc(u.Participants, current.Participants, sameParticipant) {
		next.Participants = slices.Clone(u.Participants)
		changed = true
	}
	if len(u.Result) > 0 && string(u.Result) != string(current.Result) {
		next.Result = slices.Clone(u.Result)
		changed = true
	}
	if u.ErrorMessage != "" && u.ErrorMessage != current.ErrorMessage {
		next.ErrorMessage = u.ErrorMessage
		changed = true
	}
	if u.Version.After(current.Version) {
		next.Version = u.Version
		changed = true
	}
	if !changed {
		return current, false
	}
	next.LastSource = u.Source
	return next, true
}

// advance returns the status to store when from is replaced by to.
func advance(from, to Status) (Status, bool) {
	if to == from || to == "" {
		return from, false
	}
	if to.rank() == 0 {
		// Unknown only fills an empty or unknown slot.
		if from.rank() == 0 && from != to {
			return to, true
		}
		return from, false
	}
	if to.rank() < from.rank() {
		return from, false
	}
	return to, true
}

func fillTerminal(next Job, u Update) (Job, bool) {
	changed := false
	if next.Status == StatusCompleted && len(next.Result) == 0 && len(u.Result) > 0 {
		next.Result = slices.Clone(u.Result)
		changed = true
	}
	if next.Status == StatusFailed && next.ErrorMessage == "" && u.ErrorMessage != "" {
		next.ErrorMessage = u.ErrorMessage
		changed = true
	}
	if !changed {
		return next, false
	}
	if u.Version.After(next.Version) {
		next.Version = u.Version
	}
	next.LastSource = u.Source
	return next, true
}

func sameParticipant(a, b Participant) bool {
	if a.OrgID != b.OrgID || a.DisplayName != b.DisplayName || a.JoinStatus != b.JoinStatus {
		return false
	}
	if a.JoinedAt == nil || b.JoinedAt == nil {
		return a.JoinedAt == b.JoinedAt
	}
	return a.JoinedAt.Equal(*b.JoinedAt)
}
