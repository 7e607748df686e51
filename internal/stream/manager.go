package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/thruflo/mpcwatch/internal/eventloop"
	"github.com/thruflo/mpcwatch/internal/logging"
)

var (
	// ErrMissingToken is returned by Connect when no credential is available.
	// It is fatal: no reconnect is attempted.
	ErrMissingToken = errors.New("missing auth token")
	// ErrUnauthorized means the server rejected the credential during the
	// opening handshake. It is fatal: no reconnect is attempted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReconnectExhausted is reported with the transition to StateErrored
	// once every reconnect attempt has failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrErrored is returned by Connect while the manager is errored and has
	// not been Reset.
	ErrErrored = errors.New("connection is errored; reset required")
)

// State is the lifecycle state of the push channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

var stateNames = map[State]string{
	StateDisconnected: "Disconnected",
	StateConnecting:   "Connecting",
	StateConnected:    "Connected",
	StateReconnecting: "Reconnecting",
	StateErrored:      "Errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateChange describes a transition. Err is set on transitions caused by a
// failure; Attempt is the reconnect attempt count at the time.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
	Reason  string
}

// Manager owns the push channel. It opens and closes it, hands unexpected
// losses to its ReconnectPolicy, and forwards inbound messages.
//
// Every input, from the caller or from the transport, becomes one of a
// closed set of events processed by handle on the event loop. Manager
// methods must be called on the loop.
type Manager struct {
	dialer Dialer
	loop   *eventloop.Loop
	policy *ReconnectPolicy
	logger *logging.Logger

	state       State
	target      Target
	gen         uint64
	retrySeq    uint64
	channel     Channel
	cancelDial  context.CancelFunc
	intentional bool

	listeners []func(StateChange)
	onMessage func([]byte)
}

// NewManager creates a Manager in StateDisconnected.
func NewManager(dialer Dialer, loop *eventloop.Loop, policy *ReconnectPolicy, logger *logging.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		loop:   loop,
		policy: policy,
		logger: logging.OrDefault(logger).With("component", "stream"),
	}
}

// OnStateChange registers fn to be called, on the loop, after every
// transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.listeners = append(m.listeners, fn)
}

// OnMessage sets the handler for inbound messages on the current channel.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.onMessage = fn
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Attempts returns the current reconnect attempt count.
func (m *Manager) Attempts() int {
	return m.policy.Attempts()
}

// Policy returns the reconnect policy.
func (m *Manager) Policy() *ReconnectPolicy {
	return m.policy
}

// events handled by the state machine.
type (
	connectEvent    struct{ target Target }
	openedEvent     struct {
		gen uint64
		ch  Channel
	}
	failedEvent struct {
		gen uint64
		err error
	}
	messageEvent struct {
		gen  uint64
		data []byte
	}
	closedEvent struct {
		gen uint64
		err error
	}
	retryEvent      struct{ seq uint64 }
	disconnectEvent struct{ reason string }
	dropEvent       struct{ reason string }
	resetEvent      struct{}
)

// Connect opens the channel to target. A missing token is fatal: the
// manager moves to StateErrored and ErrMissingToken is returned. Any other
// outcome is reported asynchronously through state changes.
func (m *Manager) Connect(target Target) error {
	return m.handle(connectEvent{target: target})
}

// Send writes a frame if the channel is connected. It reports whether the
// frame was handed to the transport.
func (m *Manager) Send(f Frame) bool {
	if m.state != StateConnected || m.channel == nil {
		return false
	}
	data, err := f.Marshal()
	if err != nil {
		m.logger.Warn("failed to marshal frame", "type", f.Type, "error", err)
		return false
	}
	if err := m.channel.Send(data); err != nil {
		m.logger.Warn("failed to send frame", "type", f.Type, "error", err)
		return false
	}
	return true
}

// Disconnect closes the channel on the caller's behalf. No reconnect
// follows, and a pending one is canceled.
func (m *Manager) Disconnect(reason string) {
	_ = m.handle(disconnectEvent{reason: reason})
}

// Drop force-closes the channel as a failure, so the reconnect policy
// engages. Used for heartbeat timeouts and server reconnect requests.
func (m *Manager) Drop(reason string) {
	_ = m.handle(dropEvent{reason: reason})
}

// Reset leaves StateErrored, zeroing the attempt count. It has no effect in
// other states.
func (m *Manager) Reset() {
	_ = m.handle(resetEvent{})
}

// CancelRetry cancels a pending reconnect attempt without changing state.
// Teardown uses it before releasing the channel.
func (m *Manager) CancelRetry() {
	m.policy.Cancel()
	m.retrySeq++
}

func (m *Manager) handle(ev any) error {
	switch ev := ev.(type) {
	case connectEvent:
		return m.connect(ev.target)

	case openedEvent:
		if ev.gen != m.gen || m.state != StateConnecting {
			_ = ev.ch.Close()
			return nil
		}
		m.cancelDial = nil
		m.channel = ev.ch
		from := m.state
		m.policy.Reset()
		m.state = StateConnected
		m.logger.Info("push channel connected", "endpoint", m.target.URL)
		// Updates sent during an outage are not replayed, so resync first.
		m.Send(NewSnapshotRequest())
		m.emit(StateChange{From: from, To: StateConnected})

	case failedEvent:
		if ev.gen != m.gen {
			return nil
		}
		m.cancelDial = nil
		if errors.Is(ev.err, ErrUnauthorized) {
			m.logger.Error("push channel rejected credential", "error", ev.err)
			m.setState(StateErrored, ev.err, "unauthorized")
			return nil
		}
		m.lost(ev.err)

	case messageEvent:
		if ev.gen != m.gen || m.state != StateConnected {
			return nil
		}
		if m.onMessage != nil {
			m.onMessage(ev.data)
		}

	case closedEvent:
		if ev.gen != m.gen {
			return nil
		}
		m.channel = nil
		if m.intentional {
			return nil
		}
		if ev.err == nil {
			ev.err = errors.New("channel closed")
		}
		m.lost(ev.err)

	case retryEvent:
		if ev.seq != m.retrySeq || m.state != StateReconnecting {
			return nil
		}
		m.policy.Fired()
		m.logger.Info("reconnecting", "attempt", m.policy.Attempts(), "max_attempts", m.policy.MaxAttempts())
		m.dial()

	case disconnectEvent:
		m.intentional = true
		m.CancelRetry()
		m.release()
		if m.state != StateDisconnected && m.state != StateErrored {
			m.setState(StateDisconnected, nil, ev.reason)
		}

	case dropEvent:
		if m.state != StateConnected && m.state != StateConnecting {
			return nil
		}
		m.logger.Warn("dropping push channel", "reason", ev.reason)
		m.release()
		m.lost(errors.New(ev.reason))

	case resetEvent:
		if m.state != StateErrored {
			return nil
		}
		m.policy.Reset()
		m.retrySeq++
		m.setState(StateDisconnected, nil, "reset")

	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

func (m *Manager) connect(target Target) error {
	if target.Token == "" {
		m.logger.Error("cannot open push channel", "error", ErrMissingToken)
		m.CancelRetry()
		m.release()
		m.setState(StateErrored, ErrMissingToken, "missing token")
		return ErrMissingToken
	}
	switch m.state {
	case StateErrored:
		return ErrErrored
	case StateConnecting, StateConnected:
		return nil
	case StateReconnecting:
		// A manual connect supersedes the scheduled attempt.
		m.CancelRetry()
	}
	m.target = target
	m.intentional = false
	m.dial()
	return nil
}

// dial starts a new connection generation. Callbacks tagged with an older
// generation are ignored.
func (m *Manager) dial() {
	m.release()
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setState(StateConnecting, nil, "")

	m.dialer.Dial(ctx, m.target, Events{
		Opened: func(ch Channel) {
			if !m.post(openedEvent{gen: gen, ch: ch}) {
				_ = ch.Close()
			}
		},
		Failed:  func(err error) { m.post(failedEvent{gen: gen, err: err}) },
		Message: func(data []byte) { m.post(messageEvent{gen: gen, data: data}) },
		Closed:  func(err error) { m.post(closedEvent{gen: gen, err: err}) },
	})
}

// lost hands an unexpected loss to the reconnect policy.
func (m *Manager) lost(cause error) {
	m.channel = nil
	m.retrySeq++
	seq := m.retrySeq
	if m.policy.Schedule(func() { m.post(retryEvent{seq: seq}) }) {
		m.logger.Warn("push channel lost; reconnect scheduled",
			"error", cause, "attempt", m.policy.Attempts(), "delay", m.policy.Delay())
		m.setState(StateReconnecting, cause, "")
		return
	}
	err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.policy.Attempts(), cause)
	m.logger.Error("giving up on push channel", "error", err)
	m.setState(StateErrored, err, "reconnect exhausted")
}

// release abandons the current dial and channel. Their late callbacks are
// ignored because the generation moves on.
func (m *Manager) release() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	m.gen++
}

func (m *Manager) post(ev any) bool {
	return m.loop.Post(func() { _ = m.handle(ev) })
}

func (m *Manager) setState(to State, err error, reason string) {
	from := m.state
	if from == to && err == nil {
		return
	}
	m.state = to
	m.emit(StateChange{From: from, To: to, Err: err, Reason: reason})
}

func (m *Manager) emit(change StateChange) {
	change.Attempt = m.policy.Attempts()
	for _, fn := range m.listeners {
		fn(change)
	}
}
