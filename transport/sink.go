// Package transport exposes a region's change feed to subscribers: a
// bounded per-connection channel implementing cdc.Sink, and a streaming
// gRPC service wrapping it.
package transport

import (
	"github.com/chronodb/regioncdc/cdc"
	"github.com/chronodb/regioncdc/wire"
)

// ChannelSink is a bounded, non-blocking cdc.Sink backed by a Go channel:
// TrySend never blocks the calling region task lane, matching the
// BatchSender<CdcEvent>::try_send contract the delegate depends on.
type ChannelSink struct {
	events chan wire.Event
	closed chan struct{}
}

// NewChannelSink creates a sink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{
		events: make(chan wire.Event, capacity),
		closed: make(chan struct{}),
	}
}

var _ cdc.Sink = (*ChannelSink)(nil)

// TrySend returns cdc.ErrSinkDisconnected once Close has been called, or
// cdc.ErrSinkFull if the buffer is saturated; it never blocks.
func (s *ChannelSink) TrySend(ev wire.Event) error {
	select {
	case <-s.closed:
		return cdc.ErrSinkDisconnected
	default:
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return cdc.ErrSinkFull
	}
}

// Events returns the channel a connection handler drains to stream
// events to its client.
func (s *ChannelSink) Events() <-chan wire.Event { return s.events }

// Close marks the sink disconnected; subsequent TrySend calls fail
// immediately instead of silently succeeding into an abandoned buffer.
func (s *ChannelSink) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
