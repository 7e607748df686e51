package mockserver

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/stream"
)

// DefaultScript is the status sequence a job walks through.
var DefaultScript = []string{"initialized", "processing", "aggregating", "completed"}

// DefaultResult is attached to jobs when they complete.
var DefaultResult = json.RawMessage(`{"aggregate":{"mean":41.5,"count":3}}`)

// failedMessage is reported for jobs scripted or forced to fail.
const failedMessage = "secure computation aborted"

// Job is the server-side state of one job.
type Job struct {
	ID           string
	Step         int
	Status       string
	ErrorMessage string
	Result       json.RawMessage
	UpdatedAt    time.Time
	createdAt    time.Time
}

func (j *Job) terminal() bool {
	return jobs.Normalize(j.Status).IsTerminal()
}

// participants derives the roster from the job's progress: the second
// organization approves once work starts.
func (j *Job) participants() []jobs.Participant {
	joined := j.createdAt
	second := jobs.Participant{OrgID: "org-globex", DisplayName: "Globex", JoinStatus: jobs.JoinPending}
	if jobs.Normalize(j.Status) != jobs.StatusPendingApproval {
		second.JoinStatus = jobs.JoinApproved
		second.JoinedAt = &joined
	}
	if jobs.Normalize(j.Status) == jobs.StatusFailed {
		second.JoinStatus = jobs.JoinRejected
		second.JoinedAt = nil
	}
	return []jobs.Participant{
		{OrgID: "org-acme", DisplayName: "Acme Bank", JoinStatus: jobs.JoinApproved, JoinedAt: &joined},
		second,
	}
}

func (j *Job) statusResponse() api.StatusResponse {
	updated := j.UpdatedAt
	return api.StatusResponse{
		Status:       j.Status,
		Participants: j.participants(),
		Result:       j.Result,
		ErrorMessage: j.ErrorMessage,
		UpdatedAt:    &updated,
	}
}

func (j *Job) payload() stream.JobPayload {
	return stream.JobPayload{
		JobID:        j.ID,
		Status:       j.Status,
		Participants: j.participants(),
		Result:       j.Result,
		ErrorMessage: j.ErrorMessage,
	}
}

// registry holds every job the server knows about.
type registry struct {
	mu     sync.Mutex
	script []string
	known  map[string]bool // nil admits any id
	jobs   map[string]*Job
	now    func() time.Time
}

func newRegistry(script, known []string, now func() time.Time) *registry {
	if len(script) == 0 {
		script = DefaultScript
	}
	r := &registry{
		script: slices.Clone(script),
		jobs:   make(map[string]*Job),
		now:    now,
	}
	if len(known) > 0 {
		r.known = make(map[string]bool, len(known))
		for _, id := range known {
			r.known[id] = true
		}
	}
	return r
}

// lookup returns a copy of the job, creating it at the first step. ok is
// false for ids outside a fixed job list.
func (r *registry) lookup(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.get(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (r *registry) exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

func (r *registry) get(id string) (*Job, bool) {
	if j, ok := r.jobs[id]; ok {
		return j, true
	}
	if id == "" || (r.known != nil && !r.known[id]) {
		return nil, false
	}
	now := r.now()
	j := &Job{ID: id, Status: r.script[0], UpdatedAt: now, createdAt: now}
	r.jobs[id] = j
	return j, true
}

// advance moves a job one step along the script. A job seen for the first
// time is only created. It reports whether the status changed.
func (r *registry) advance(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.jobs[id]
	j, ok := r.get(id)
	if ok && !existed {
		return *j, false
	}
	if !ok {
		return Job{}, false
	}
	if j.terminal() || j.Step >= len(r.script)-1 {
		return *j, false
	}
	j.Step++
	changed := r.script[j.Step] != j.Status
	r.setLocked(j, r.script[j.Step], "")
	return *j, changed
}

// advanceAll advances every job and returns the ones that changed.
func (r *registry) advanceAll() []Job {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)

	var changed []Job
	for _, id := range ids {
		if j, moved := r.advance(id); moved {
			changed = append(changed, j)
		}
	}
	return changed
}

// set forces a job's status.
func (r *registry) set(id, status, errorMessage string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.get(id)
	if !ok {
		return Job{}, false
	}
	r.setLocked(j, status, errorMessage)
	return *j, true
}

func (r *registry) setLocked(j *Job, status, errorMessage string) {
	j.Status = status
	j.UpdatedAt = r.now()
	switch jobs.Normalize(status) {
	case jobs.StatusCompleted:
		if len(j.Result) == 0 {
			j.Result = DefaultResult
		}
		j.ErrorMessage = ""
	case jobs.StatusFailed:
		if errorMessage == "" {
			errorMessage = failedMessage
		}
		j.ErrorMessage = errorMessage
	default:
		j.ErrorMessage = errorMessage
	}
}

// snapshot returns every job ordered by id.
func (r *registry) snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}
