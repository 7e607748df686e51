// Package testutil provides shared test utilities for mpcwatch.
//
// # Clock
//
// FakeClock is a manually advanced eventloop.Clock. Timer callbacks run
// inside Advance, so tests pair it with eventloop.Loop.Drain:
//
//	clock := testutil.NewFakeClock(time.Time{})
//	clock.Advance(5 * time.Second)
//	loop.Drain()
//
// # Fixtures
//
//   - SampleParticipants() - two participants, one approved, one pending
//   - StatusResponseJSON(status) - a poll endpoint body
//   - JobUpdateFrameJSON(id, status) - a job-update push frame
//   - ScenarioStatuses - raw statuses of a job that runs to completion
//
// # Environment Helpers
//
//   - SetupTestDir(t) - creates a temp directory with a .mpcwatch structure
//   - WriteTestFile(t, base, path, content) - writes a file in test dir
//   - MustMarshalJSON(t, v), MustUnmarshalJSON(t, data, v)
//
// # Assertions
//
//   - AssertJobStatus(t, job, status) - canonical status check
//   - AssertJobTerminal(t, job), AssertJobLoaded(t, job)
//   - AssertStatuses(t, store, want) - statuses of every job in a store
//
// # Deadlines
//
//   - ContextWithTestDeadline(t, fallback) - context bounded by the test deadline
//   - ShortOperationContext(t) - for quick network round trips
package testutil
