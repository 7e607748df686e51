package stream

import (
	"time"

	"github.com/thruflo/mpcwatch/internal/eventloop"
	"github.com/thruflo/mpcwatch/internal/logging"
)

// Heartbeat defaults.
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultMissedThreshold = 2
)

// HeartbeatSample is the latest ping round trip.
type HeartbeatSample struct {
	SentAt time.Time
	RTT    time.Duration
}

// Heartbeat probes a connected channel. It pings on Start and every
// interval after, records the round trip of each pong, and calls onDead
// once no pong has been seen for interval × missed threshold. One timer
// serves both: it fires at whichever of the next ping and the silence
// deadline comes first.
//
// Heartbeat is confined to the event loop. It never holds the channel; it
// sends through the function it was given.
type Heartbeat struct {
	clock    eventloop.Clock
	loop     *eventloop.Loop
	interval time.Duration
	missed   int
	send     func(Frame) bool
	onDead   func()
	logger   *logging.Logger

	running  bool
	gen      uint64
	timer    eventloop.Timer
	lastSeen time.Time
	nextPing time.Time
	latest   HeartbeatSample
	sampled  bool
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithPingInterval sets the ping interval.
func WithPingInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithMissedThreshold sets how many intervals may pass without a pong.
func WithMissedThreshold(n int) HeartbeatOption {
	return func(h *Heartbeat) {
		if n > 0 {
			h.missed = n
		}
	}
}

// WithHeartbeatLogger sets the logger.
func WithHeartbeatLogger(l *logging.Logger) HeartbeatOption {
	return func(h *Heartbeat) {
		h.logger = l
	}
}

// NewHeartbeat creates a stopped Heartbeat.
func NewHeartbeat(clock eventloop.Clock, loop *eventloop.Loop, send func(Frame) bool, onDead func(), opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		clock:    clock,
		loop:     loop,
		interval: DefaultPingInterval,
		missed:   DefaultMissedThreshold,
		send:     send,
		onDead:   onDead,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger).With("component", "heartbeat")
	return h
}

// Start sends the first ping and arms the timer. Calling Start while
// running restarts it, so there is never more than one timer.
func (h *Heartbeat) Start() {
	h.Stop()
	h.running = true
	h.gen++
	h.lastSeen = h.clock.Now()
	h.ping()
	h.schedule()
}

// Stop clears the timer. It is idempotent.
func (h *Heartbeat) Stop() {
	if !h.running {
		return
	}
	h.running = false
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Running reports whether the timer is armed.
func (h *Heartbeat) Running() bool {
	return h.running
}

// HandlePong records a pong carrying the echoed client time of its ping.
func (h *Heartbeat) HandlePong(echoed time.Time) {
	if !h.running {
		return
	}
	now := h.clock.Now()
	h.lastSeen = now
	rtt := now.Sub(echoed)
	if rtt < 0 {
		rtt = 0
	}
	h.latest = HeartbeatSample{SentAt: echoed, RTT: rtt}
	h.sampled = true
	h.logger.Debug("pong", "rtt", rtt)
}

// Latest returns the most recent sample, if any.
func (h *Heartbeat) Latest() (HeartbeatSample, bool) {
	return h.latest, h.sampled
}

func (h *Heartbeat) schedule() {
	gen := h.gen
	due := h.nextPing
	if deadline := h.deadline(); deadline.Before(due) {
		due = deadline
	}
	h.timer = eventloop.PostAfter(h.clock, h.loop, due.Sub(h.clock.Now()), func() { h.tick(gen) })
}

func (h *Heartbeat) deadline() time.Time {
	return h.lastSeen.Add(h.interval * time.Duration(h.missed))
}

func (h *Heartbeat) tick(gen uint64) {
	if gen != h.gen || !h.running {
		return
	}
	h.timer = nil
	now := h.clock.Now()
	if !now.Before(h.deadline()) {
		h.logger.Warn("no pong received; channel presumed dead", "silent_for", now.Sub(h.lastSeen))
		h.Stop()
		if h.onDead != nil {
			h.onDead()
		}
		return
	}
	if !now.Before(h.nextPing) {
		h.ping()
	}
	h.schedule()
}

func (h *Heartbeat) ping() {
	now := h.clock.Now()
	h.nextPing = now.Add(h.interval)
	if !h.send(NewPingFrame(now)) {
		h.logger.Debug("ping not sent; channel unavailable")
	}
}
