package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/mpcwatch/internal/jobs"
)

// AssertJobStatus checks that a job has the expected canonical status.
func AssertJobStatus(t *testing.T, job jobs.Job, expected jobs.Status) {
	t.Helper()
	assert.Equal(t, expected, job.Status, "job %s status (raw %q)", job.ID, job.RawStatus)
}

// AssertJobTerminal checks that a job reached Completed or Failed.
func AssertJobTerminal(t *testing.T, job jobs.Job) {
	t.Helper()
	assert.True(t, job.Status.IsTerminal(), "job %s should be terminal, got %s", job.ID, job.Status)
}

// AssertJobLoaded checks that some channel has reported on the job.
func AssertJobLoaded(t *testing.T, job jobs.Job) {
	t.Helper()
	assert.True(t, job.Loaded(), "job %s should have data", job.ID)
}

// RequireJob fetches a job from the store, failing the test if it is absent.
func RequireJob(t *testing.T, store *jobs.Store, id string) jobs.Job {
	t.Helper()
	job, ok := store.Get(id)
	require.True(t, ok, "job %s not in store", id)
	return job
}

// AssertStatuses checks the status of every job in the store by id.
func AssertStatuses(t *testing.T, store *jobs.Store, expected map[string]jobs.Status) {
	t.Helper()
	actual := make(map[string]jobs.Status)
	for _, job := range store.Jobs() {
		actual[job.ID] = job.Status
	}
	assert.Equal(t, expected, actual)
}
