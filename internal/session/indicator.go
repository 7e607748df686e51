package session

import (
	"maps"
	"sync"
	"time"

	"github.com/thruflo/mpcwatch/internal/stream"
)

// Indicator is the display state of a session: connection health, the
// latest heartbeat, server health and notices, and any fatal error.
type Indicator struct {
	State       stream.State
	Attempt     int
	MaxAttempts int

	Latency   time.Duration
	LatencyAt time.Time
	HasRTT    bool

	Health map[string]any

	Notice    stream.Notice
	NoticeSeq int

	// Fatal is set when the session can no longer sync on its own: the
	// reconnect budget is spent or the credential was rejected. Retry
	// clears it.
	Fatal error
}

// indicator guards an Indicator written on the loop and read by
// presentation goroutines.
type indicator struct {
	mu      sync.RWMutex
	current Indicator
	changed chan struct{}
}

func newIndicator(maxAttempts int) *indicator {
	return &indicator{
		current: Indicator{MaxAttempts: maxAttempts},
		changed: make(chan struct{}, 1),
	}
}

func (i *indicator) update(fn func(*Indicator)) {
	i.mu.Lock()
	fn(&i.current)
	i.mu.Unlock()
	select {
	case i.changed <- struct{}{}:
	default:
	}
}

func (i *indicator) snapshot() Indicator {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := i.current
	out.Health = maps.Clone(i.current.Health)
	return out
}
