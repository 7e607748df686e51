// Package session composes the sync layer. A Session owns one push channel
// with its reconnect policy and heartbeat, a poller per tracked job, and
// the job store both paths write into. Sessions are created and disposed by
// the caller; nothing here has process-wide lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/thruflo/mpcwatch/internal/api"
	"github.com/thruflo/mpcwatch/internal/eventloop"
	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/poll"
	"github.com/thruflo/mpcwatch/internal/stream"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	// PushURL is the push channel endpoint.
	PushURL string
	Token   string
	UserID  string
	// Metadata is forwarded on the push channel URL. A client_id is added
	// if absent.
	Metadata map[string]string

	Dialer  stream.Dialer
	Fetcher poll.StatusFetcher
	// Clock defaults to the system clock.
	Clock eventloop.Clock

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PingInterval         time.Duration
	MissedThreshold      int
	Poll                 poll.Options

	Logger *logging.Logger
}

// Session is an explicit, caller-owned sync session.
//
// Exported methods are safe to call from any goroutine: they post work onto
// the session's event loop, which Run drives.
type Session struct {
	loop   *eventloop.Loop
	clock  eventloop.Clock
	store  *jobs.Store
	mgr    *stream.Manager
	hb     *stream.Heartbeat
	router *stream.Router
	target stream.Target

	fetcher  poll.StatusFetcher
	pollOpts poll.Options
	pollers  map[string]*poller

	ind    *indicator
	fatal  chan error
	logger *logging.Logger
	closed bool
}

type poller struct {
	*poll.Poller
	err error
}

// New creates a Session. Nothing is connected or polled until Connect and
// Track are called.
func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("session: fetcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = eventloop.SystemClock{}
	}
	logger := logging.OrDefault(opts.Logger)

	metadata := maps.Clone(opts.Metadata)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	if metadata["client_id"] == "" {
		metadata["client_id"] = uuid.NewString()
	}

	s := &Session{
		loop:    eventloop.New(0),
		clock:   opts.Clock,
		store:   jobs.NewStore(opts.Clock.Now),
		fetcher: opts.Fetcher,
		pollers: make(map[string]*poller),
		fatal:   make(chan error, 1),
		logger:  logger.With("session", metadata["client_id"]),
		target: stream.Target{
			URL:      opts.PushURL,
			Token:    opts.Token,
			UserID:   opts.UserID,
			Metadata: metadata,
		},
	}

	policy := stream.NewReconnectPolicy(s.clock, opts.MaxReconnectAttempts, opts.ReconnectDelay)
	s.ind = newIndicator(policy.MaxAttempts())
	s.mgr = stream.NewManager(opts.Dialer, s.loop, policy, s.logger)
	s.hb = stream.NewHeartbeat(s.clock, s.loop, s.mgr.Send, func() { s.mgr.Drop("heartbeat timeout") },
		stream.WithPingInterval(opts.PingInterval),
		stream.WithMissedThreshold(opts.MissedThreshold),
		stream.WithHeartbeatLogger(s.logger))
	s.router = stream.NewRouter(s.handlers(), s.logger)

	s.pollOpts = opts.Poll
	s.pollOpts.Logger = s.logger
	s.pollOpts.OnStop = s.pollerStopped

	s.mgr.OnStateChange(s.stateChanged)
	s.mgr.OnMessage(func(data []byte) { _ = s.router.Dispatch(data) })
	return s, nil
}

// ClientID returns the identifier sent with the push channel.
func (s *Session) ClientID() string {
	return s.target.Metadata["client_id"]
}

// Store returns the job store.
func (s *Session) Store() *jobs.Store {
	return s.store
}

// Indicator returns a snapshot of the display state.
func (s *Session) Indicator() Indicator {
	return s.ind.snapshot()
}

// Changed signals, coalesced, after the indicator changes.
func (s *Session) Changed() <-chan struct{} {
	return s.ind.changed
}

// Fatal delivers the error that stopped the session from syncing on its
// own. The caller should offer Retry.
func (s *Session) Fatal() <-chan error {
	return s.fatal
}

// Run drives the event loop until ctx is done or the session is closed,
// then tears the session down.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	s.teardown()
	s.loop.Close()
	return err
}

// Connect opens the push channel.
func (s *Session) Connect() error {
	return s.post(s.connect)
}

// Track begins observing a job: it creates the store entry and starts
// polling it.
func (s *Session) Track(jobID string) error {
	return s.post(func() { s.track(jobID) })
}

// Untrack stops observing a job. Its entry stays in the store read-only.
func (s *Session) Untrack(jobID string) error {
	return s.post(func() { s.untrack(jobID) })
}

// Retry clears a fatal error, resets the reconnect budget and reconnects.
// Pollers stopped by errors are restarted.
func (s *Session) Retry() error {
	return s.post(s.retry)
}

// Close tears the session down and stops Run.
func (s *Session) Close() error {
	if !s.loop.Post(func() {
		s.teardown()
		s.loop.Close()
	}) {
		return ErrClosed
	}
	return nil
}

func (s *Session) post(fn func()) error {
	if !s.loop.Post(func() {
		if !s.closed {
			fn()
		}
	}) {
		return ErrClosed
	}
	return nil
}

func (s *Session) connect() {
	if err := s.mgr.Connect(s.target); err != nil && !errors.Is(err, stream.ErrMissingToken) {
		s.logger.Warn("connect rejected", "error", err)
	}
}

func (s *Session) retry() {
	s.logger.Info("manual retry")
	s.mgr.Reset()
	s.ind.update(func(ind *Indicator) { ind.Fatal = nil })
	select {
	case <-s.fatal:
	default:
	}
	s.connect()
	for id, p := range s.pollers {
		if p.err != nil {
			if job, ok := s.store.Get(id); ok && !job.Status.IsTerminal() {
				p.err = nil
				p.Start()
			}
		}
	}
}

func (s *Session) track(jobID string) {
	job := s.store.Track(jobID)
	if job.Status.IsTerminal() {
		return
	}
	p, ok := s.pollers[jobID]
	if !ok {
		p = &poller{Poller: poll.New(jobID, s.fetcher, s.store, s.loop, s.clock, s.pollOpts)}
		s.pollers[jobID] = p
	}
	p.err = nil
	p.Start()
}

func (s *Session) untrack(jobID string) {
	if p, ok := s.pollers[jobID]; ok {
		p.Stop()
		delete(s.pollers, jobID)
	}
	s.store.Untrack(jobID)
}

func (s *Session) pollerStopped(jobID string, err error) {
	p, ok := s.pollers[jobID]
	if !ok {
		return
	}
	p.err = err
	switch {
	case err == nil:
	case api.IsAuthError(err):
		s.fail(fmt.Errorf("status endpoint rejected credential: %w", err))
	case errors.Is(err, poll.ErrTooManyFailures):
		s.store.RecordFetchError(jobID, err.Error())
	}
}

// stopPollerIfTerminal stops polling a job once either path has reported a
// terminal status for it.
func (s *Session) stopPollerIfTerminal(job jobs.Job) {
	if !job.Status.IsTerminal() {
		return
	}
	if p, ok := s.pollers[job.ID]; ok && p.Running() {
		s.logger.Debug("job terminal via push; stopping poller", "job", job.ID)
		p.Stop()
	}
}

func (s *Session) stateChanged(c stream.StateChange) {
	if c.To == stream.StateConnected {
		s.hb.Start()
	} else {
		s.hb.Stop()
	}
	s.ind.update(func(ind *Indicator) {
		ind.State = c.To
		ind.Attempt = c.Attempt
	})
	if c.To == stream.StateErrored && c.Err != nil {
		s.fail(c.Err)
	}
}

func (s *Session) fail(err error) {
	s.logger.Error("session needs manual retry", "error", err)
	s.ind.update(func(ind *Indicator) {
		if ind.Fatal == nil {
			ind.Fatal = err
		}
	})
	select {
	case s.fatal <- err:
	default:
	}
}

// teardown cancels poll timers, then the heartbeat timer, then any pending
// reconnect, and only then releases the channel.
func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	for id, p := range s.pollers {
		p.Stop()
		delete(s.pollers, id)
	}
	s.hb.Stop()
	s.mgr.CancelRetry()
	s.mgr.Disconnect("session closed")
	s.logger.Debug("session torn down")
}
