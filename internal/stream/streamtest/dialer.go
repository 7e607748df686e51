// Package streamtest provides an in-memory stream.Dialer for tests. Dials
// are recorded and stay pending until the test opens, fails or closes them,
// so connection outcomes can be driven step by step.
package streamtest

import (
	"context"
	"errors"
	"sync"

	"github.com/thruflo/mpcwatch/internal/stream"
)

// Dialer records every Dial call.
type Dialer struct {
	mu    sync.Mutex
	dials []*Dial
}

// NewDialer creates an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial records the attempt and returns.
func (d *Dialer) Dial(ctx context.Context, target stream.Target, ev stream.Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, &Dial{Target: target, ctx: ctx, ev: ev})
}

// Count returns the number of dials so far.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// Last returns the most recent dial, or nil.
func (d *Dialer) Last() *Dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

// At returns the i-th dial.
func (d *Dialer) At(i int) *Dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

// Dial is one recorded connection attempt.
type Dial struct {
	Target stream.Target

	ctx     context.Context
	ev      stream.Events
	channel *Channel
}

// Canceled reports whether the dialing side abandoned the attempt.
func (d *Dial) Canceled() bool {
	return d.ctx.Err() != nil
}

// Open completes the dial successfully and returns the new channel.
func (d *Dial) Open() *Channel {
	d.channel = &Channel{ev: d.ev}
	d.ev.Opened(d.channel)
	return d.channel
}

// Fail completes the dial with err.
func (d *Dial) Fail(err error) {
	d.ev.Failed(err)
}

// Channel returns the channel created by Open, or nil.
func (d *Dial) Channel() *Channel {
	return d.channel
}

// Channel is an in-memory stream.Channel. Closing it from either side
// reports Closed once, like a read loop ending.
type Channel struct {
	ev stream.Events

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	SendErr error
}

// Send records data.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Close closes the channel locally. Closed is reported with a nil error.
func (c *Channel) Close() error {
	if c.markClosed() {
		c.ev.Closed(nil)
	}
	return nil
}

// Deliver reports an inbound message.
func (c *Channel) Deliver(data []byte) {
	c.ev.Message(data)
}

// DeliverFrame marshals f and reports it as an inbound message.
func (c *Channel) DeliverFrame(f stream.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	c.Deliver(data)
	return nil
}

// Drop closes the channel from the remote side with err.
func (c *Channel) Drop(err error) {
	if c.markClosed() {
		c.ev.Closed(err)
	}
}

// Closed reports whether the channel has been closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the decoded frames sent so far.
func (c *Channel) Sent() []stream.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]stream.Frame, 0, len(c.sent))
	for _, data := range c.sent {
		f, err := stream.UnmarshalFrame(data)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// SentTypes returns the types of the frames sent so far.
func (c *Channel) SentTypes() []stream.MessageType {
	frames := c.Sent()
	types := make([]stream.MessageType, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

func (c *Channel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
