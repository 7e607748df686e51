package jobs

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Store is the single source of truth for job state. Writes go through
// Merge; reads return copies. Subscribers receive a Change after every write
// that altered a job.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	subs    map[int]chan Change
	nextSub int
	now     func() time.Time
}

// NewStore creates an empty Store. now stamps UpdatedAt; nil uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		jobs: make(map[string]Job),
		subs: make(map[int]chan Change),
		now:  now,
	}
}

// Track begins observing a job. A new entry starts with StatusUnknown and no
// data until a channel reports on it.
func (s *Store) Track(id string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if ok && job.Active {
		return job
	}
	if !ok {
		job = Job{ID: id, Status: StatusUnknown}
	}
	job.Active = true
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	s.publish(job)
	return job
}

// Untrack stops observing a job. The entry is kept read-only for display.
func (s *Store) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Active {
		return
	}
	job.Active = false
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	s.publish(job)
}

// Apply merges u into the stored job, creating an inactive entry for ids
// that were never tracked. It returns the stored job and whether it changed.
func (s *Store) Apply(u Update) (Job, bool) {
	if u.JobID == "" {
		return Job{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[u.JobID]
	if !ok {
		current = Job{ID: u.JobID}
	}
	next, changed := Merge(current, u)
	if !changed {
		return current, false
	}
	if next.LastSource == SourcePoll {
		next.LastFetchError = ""
	}
	next.UpdatedAt = s.now()
	s.jobs[u.JobID] = next
	s.publish(next)
	return next, true
}

// RecordFetchError stores the last poll error for display. An empty message
// clears it. Status is never touched.
func (s *Store) RecordFetchError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.LastFetchError == msg {
		return
	}
	job.LastFetchError = msg
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	s.publish(job)
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Jobs returns every known job ordered by id.
func (s *Store) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Tracked returns the ids of actively observed jobs, ordered.
func (s *Store) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, job := range s.jobs {
		if job.Active {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel. A subscriber that falls behind
// misses changes; Get always returns the latest state.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with mu held.
func (s *Store) publish(job Job) {
	for _, ch := range s.subs {
		select {
		case ch <- Change{Job: job}:
		default:
		}
	}
}
