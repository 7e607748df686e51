package stream

import (
	"time"

	"github.com/thruflo/mpcwatch/internal/eventloop"
)

// Reconnect defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
)

// ReconnectPolicy schedules reconnection attempts after unexpected channel
// loss: a fixed delay, a bounded number of attempts, and at most one
// attempt pending at a time. It is confined to the event loop.
type ReconnectPolicy struct {
	clock       eventloop.Clock
	maxAttempts int
	delay       time.Duration

	attempts int
	timer    eventloop.Timer
}

// NewReconnectPolicy creates a policy. Non-positive values use the defaults.
func NewReconnectPolicy(clock eventloop.Clock, maxAttempts int, delay time.Duration) *ReconnectPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &ReconnectPolicy{
		clock:       clock,
		maxAttempts: maxAttempts,
		delay:       delay,
	}
}

// Schedule arranges for fn to be called after the delay and counts the
// attempt. It returns false, scheduling nothing, once the attempt budget is
// spent. If an attempt is already pending, Schedule returns true without
// scheduling another.
func (p *ReconnectPolicy) Schedule(fn func()) bool {
	if p.timer != nil {
		return true
	}
	if p.attempts >= p.maxAttempts {
		return false
	}
	p.attempts++
	p.timer = p.clock.AfterFunc(p.delay, fn)
	return true
}

// Fired records that the pending attempt's timer has run.
func (p *ReconnectPolicy) Fired() {
	p.timer = nil
}

// Cancel stops a pending attempt. The attempt count is kept.
func (p *ReconnectPolicy) Cancel() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Reset cancels any pending attempt and zeroes the attempt count. It is
// called after a successful connect and on a manual retry.
func (p *ReconnectPolicy) Reset() {
	p.Cancel()
	p.attempts = 0
}

// Attempts returns the number of attempts scheduled since the last Reset.
func (p *ReconnectPolicy) Attempts() int {
	return p.attempts
}

// MaxAttempts returns the attempt budget.
func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the fixed delay between attempts.
func (p *ReconnectPolicy) Delay() time.Duration {
	return p.delay
}

// Pending reports whether an attempt is scheduled and has not fired.
func (p *ReconnectPolicy) Pending() bool {
	return p.timer != nil
}

// Exhausted reports whether no further attempt can be scheduled.
func (p *ReconnectPolicy) Exhausted() bool {
	return p.attempts >= p.maxAttempts && p.timer == nil
}
