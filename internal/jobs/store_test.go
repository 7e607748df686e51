package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return t0 }

func TestStore_TrackCreatesLoadingEntry(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	job := s.Track("job-1")

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, StatusUnknown, job.Status)
	assert.True(t, job.Active)
	assert.False(t, job.Loaded())
	assert.Equal(t, []string{"job-1"}, s.Tracked())
}

func TestStore_UntrackRetainsEntry(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	s.Track("job-1")
	s.Apply(Update{JobID: "job-1", Status: StatusCompleted, Version: at(1), Source: SourcePoll})
	s.Untrack("job-1")
	s.Untrack("job-1")

	job, ok := s.Get("job-1")
	require.True(t, ok)
	assert.False(t, job.Active)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, s.Tracked())
}

func TestStore_ApplyPublishesChanges(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	ch, cancel := s.Subscribe(4)
	defer cancel()

	s.Track("job-1")
	s.Apply(Update{JobID: "job-1", Status: StatusInProgress, Version: at(10), Source: SourcePush})
	// Stale write: no change, no publish.
	s.Apply(Update{JobID: "job-1", Status: StatusInProgress, Version: at(5), Source: SourcePoll})

	first := <-ch
	assert.Equal(t, StatusUnknown, first.Job.Status)
	second := <-ch
	assert.Equal(t, StatusInProgress, second.Job.Status)
	assert.Equal(t, SourcePush, second.Job.LastSource)

	select {
	case c := <-ch:
		t.Fatalf("unexpected change: %+v", c)
	default:
	}
}

func TestStore_ApplyIgnoresEmptyID(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	_, changed := s.Apply(Update{Status: StatusCompleted, Version: at(1)})
	assert.False(t, changed)
	assert.Empty(t, s.Jobs())
}

func TestStore_FetchErrorDoesNotTouchStatus(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	s.Track("job-1")
	s.Apply(Update{JobID: "job-1", Status: StatusInProgress, Version: at(1), Source: SourcePoll})
	s.RecordFetchError("job-1", "dial tcp: connection refused")

	job, _ := s.Get("job-1")
	assert.Equal(t, StatusInProgress, job.Status)
	assert.Equal(t, "dial tcp: connection refused", job.LastFetchError)

	// A successful poll clears the warning.
	s.Apply(Update{JobID: "job-1", Status: StatusInProgress, RawStatus: "waiting_for_data", Version: at(2), Source: SourcePoll})
	job, _ = s.Get("job-1")
	assert.Empty(t, job.LastFetchError)
}

func TestStore_JobsOrdered(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	s.Track("job-b")
	s.Track("job-a")
	s.Apply(Update{JobID: "job-c", Status: StatusInProgress, Version: at(1), Source: SourcePush})

	jobs := s.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-a", jobs[0].ID)
	assert.Equal(t, "job-b", jobs[1].ID)
	assert.Equal(t, "job-c", jobs[2].ID)
	assert.False(t, jobs[2].Active)
	assert.Equal(t, []string{"job-a", "job-b"}, s.Tracked())
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	s := NewStore(fixedNow)
	ch, cancel := s.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Writes after unsubscribe must not panic.
	s.Track("job-1")
}
