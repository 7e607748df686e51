// Package poll is the request/response fallback path: a per-job poller that
// fetches status on a fixed interval, normalizes it into the job store, and
// stops itself once the job is terminal.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/eventloop"
	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/logging"
)

// Poll defaults.
const (
	DefaultInterval     = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// ErrTooManyFailures is reported when MaxFailures consecutive fetches fail.
var ErrTooManyFailures = errors.New("too many consecutive poll failures")

// StatusFetcher fetches a job's status. *api.Client implements it.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*api.StatusResponse, error)
}

// Options configures a Poller.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// MaxFailures stops the poller after that many consecutive failed
	// fetches. Zero polls through failures indefinitely.
	MaxFailures int
	// OnStop is called on the loop when the poller stops itself: with nil
	// once the job is terminal, or with the error that ended polling.
	OnStop func(jobID string, err error)
	Logger *logging.Logger
}

// Poller polls one job. It is confined to the event loop; fetches run on
// their own goroutines and post their results back.
type Poller struct {
	jobID        string
	fetcher      StatusFetcher
	store        *jobs.Store
	loop         *eventloop.Loop
	clock        eventloop.Clock
	interval     time.Duration
	fetchTimeout time.Duration
	maxFailures  int
	onStop       func(string, error)
	logger       *logging.Logger

	running  bool
	gen      uint64
	timer    eventloop.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	issued   uint64
	handled  uint64
	failures int
}

// New creates a stopped Poller for jobID.
func New(jobID string, fetcher StatusFetcher, store *jobs.Store, loop *eventloop.Loop, clock eventloop.Clock, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Poller{
		jobID:        jobID,
		fetcher:      fetcher,
		store:        store,
		loop:         loop,
		clock:        clock,
		interval:     opts.Interval,
		fetchTimeout: opts.FetchTimeout,
		maxFailures:  opts.MaxFailures,
		onStop:       opts.OnStop,
		logger:       logging.OrDefault(opts.Logger).With("component", "poll").With("job", jobID),
	}
}

// JobID returns the polled job.
func (p *Poller) JobID() string {
	return p.jobID
}

// Running reports whether the poller is active.
func (p *Poller) Running() bool {
	return p.running
}

// Failures returns the number of consecutive failed fetches.
func (p *Poller) Failures() int {
	return p.failures
}

// Start issues a fetch immediately and then one every interval. Starting a
// running poller does nothing.
func (p *Poller) Start() {
	if p.running {
		return
	}
	p.running = true
	p.gen++
	p.failures = 0
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger.Debug("polling started", "interval", p.interval)
	p.fetch()
	p.schedule()
}

// Stop clears the timer and abandons fetches in flight. Their results are
// discarded. Stop is idempotent.
func (p *Poller) Stop() {
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.logger.Debug("polling stopped")
}

func (p *Poller) schedule() {
	gen := p.gen
	p.timer = eventloop.PostAfter(p.clock, p.loop, p.interval, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	if gen != p.gen || !p.running {
		return
	}
	p.fetch()
	p.schedule()
}

func (p *Poller) fetch() {
	p.issued++
	seq := p.issued
	requestedAt := p.clock.Now()
	ctx, fetcher, timeout := p.ctx, p.fetcher, p.fetchTimeout

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := fetcher.JobStatus(fetchCtx, p.jobID)
		p.loop.Post(func() { p.complete(seq, requestedAt, resp, err) })
	}()
}

// complete handles the result of fetch number seq.
func (p *Poller) complete(seq uint64, requestedAt time.Time, resp *api.StatusResponse, err error) {
	if !p.running {
		return
	}
	if seq <= p.handled {
		p.logger.Debug("discarding out-of-order poll response", "seq", seq, "handled", p.handled)
		return
	}
	p.handled = seq

	if err != nil {
		p.fail(err)
		return
	}
	p.failures = 0

	job, _ := p.store.Apply(jobs.Update{
		JobID:        p.jobID,
		Status:       jobs.Normalize(resp.Status),
		RawStatus:    resp.Status,
		Participants: resp.Participants,
		Result:       resp.Result,
		ErrorMessage: resp.ErrorMessage,
		Version:      responseVersion(resp, requestedAt),
		Source:       jobs.SourcePoll,
	})
	p.store.RecordFetchError(p.jobID, "")

	if job.Status.IsTerminal() {
		p.logger.Info("job reached terminal status; polling stopped", "status", job.Status)
		p.stopSelf(nil)
	}
}

// responseVersion orders a poll result against push frames, which carry
// the service's timestamps. The local request time is the last resort.
func responseVersion(resp *api.StatusResponse, requestedAt time.Time) time.Time {
	switch {
	case resp.UpdatedAt != nil && !resp.UpdatedAt.IsZero():
		return *resp.UpdatedAt
	case !resp.ServerTime.IsZero():
		return resp.ServerTime
	default:
		return requestedAt
	}
}

func (p *Poller) fail(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.failures++
	p.store.RecordFetchError(p.jobID, err.Error())

	if api.IsAuthError(err) {
		p.logger.Error("poll rejected credential; polling stopped", "error", err)
		p.stopSelf(err)
		return
	}
	p.logger.Warn("poll fetch failed", "error", err, "failures", p.failures)
	if p.maxFailures > 0 && p.failures >= p.maxFailures {
		err = fmt.Errorf("%w (%d): %v", ErrTooManyFailures, p.failures, err)
		p.logger.Error("giving up on polling", "error", err)
		p.stopSelf(err)
	}
}

func (p *Poller) stopSelf(err error) {
	p.Stop()
	if p.onStop != nil {
		p.onStop(p.jobID, err)
	}
}
