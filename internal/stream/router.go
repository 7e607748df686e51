package stream

import (
	"errors"
	"fmt"

	"github.com/thruflo/mpcwatch/internal/logging"
)

// ErrUnknownMessageType is returned by Dispatch for frames no handler is
// registered for.
var ErrUnknownMessageType = errors.New("unknown message type")

// HandlerFunc handles one decoded frame.
type HandlerFunc func(Frame) error

// Router dispatches inbound frames by type. The handler table is fixed at
// construction.
type Router struct {
	handlers map[MessageType]HandlerFunc
	logger   *logging.Logger
}

// NewRouter creates a Router over a copy of handlers.
func NewRouter(handlers map[MessageType]HandlerFunc, logger *logging.Logger) *Router {
	table := make(map[MessageType]HandlerFunc, len(handlers))
	for t, h := range handlers {
		if h != nil {
			table[t] = h
		}
	}
	return &Router{
		handlers: table,
		logger:   logging.OrDefault(logger).With("component", "router"),
	}
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t MessageType) bool {
	_, ok := r.handlers[t]
	return ok
}

// Dispatch decodes data and runs the matching handler. Malformed frames,
// unknown types and handler errors are logged and returned; none of them
// affect the channel.
func (r *Router) Dispatch(data []byte) error {
	f, err := UnmarshalFrame(data)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return err
	}
	h, ok := r.handlers[f.Type]
	if !ok {
		r.logger.Debug("dropping frame of unknown type", "type", string(f.Type))
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, f.Type)
	}
	if err := h(f); err != nil {
		r.logger.Warn("frame handler failed", "type", string(f.Type), "error", err)
		return fmt.Errorf("handle %s: %w", f.Type, err)
	}
	return nil
}
