package transport

import (
	"context"
	"fmt"

	"github.com/chronodb/regioncdc/cdc"
	"github.com/chronodb/regioncdc/wire"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var log = logrus.WithField("component", "transport")

// SubscribeRequest is what a client sends to open one region's change
// feed. RegionEpoch pins the subscription to the epoch the client last
// observed; a Delegate rejects a stale one with an EpochNotMatch event
// rather than silently serving the wrong range.
type SubscribeRequest struct {
	RegionID  uint64
	RegionEpoch cdc.Epoch
	Peer      string
}

// RegionRouter hands a SubscribeRequest's events off to the owning
// region's task lane, returning the Downstream it registered so the
// server can track its connection lifecycle (and unsubscribe on
// disconnect).
type RegionRouter interface {
	Subscribe(req SubscribeRequest, sink cdc.Sink) (*cdc.Downstream, error)
	Unsubscribe(regionID uint64, downstreamID uint64)
}

// EventStream is the subset of grpc.ServerStream a streaming handler
// needs; satisfied by grpcEventStream (wrapping grpc.ServerStream) in
// production and by a fake in tests.
type EventStream interface {
	Context() context.Context
	Send(*wire.Event) error
}

// Server implements the region change-feed RPC: one long-lived streaming
// call per subscriber, fed by a ChannelSink the RegionRouter attaches to
// the target region's Delegate.
type Server struct {
	router      RegionRouter
	sinkBuffer  int
}

func NewServer(router RegionRouter, sinkBuffer int) *Server {
	return &Server{router: router, sinkBuffer: sinkBuffer}
}

// EventFeed streams one subscriber's change feed until the stream's
// context is done (the client disconnects) or a send fails. It does not
// watch the downstream's state: a downstream its delegate has stopped
// keeps the call open until one of those happens.
func (s *Server) EventFeed(req SubscribeRequest, stream EventStream) error {
	sink := NewChannelSink(s.sinkBuffer)
	defer sink.Close()

	down, err := s.router.Subscribe(req, sink)
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "subscribe region %d: %v", req.RegionID, err)
	}
	defer s.router.Unsubscribe(req.RegionID, down.ID())

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sink.Events():
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				log.WithError(err).WithField("region_id", req.RegionID).Warn("transport: send failed, dropping subscriber")
				return fmt.Errorf("transport: send event: %w", err)
			}
		}
	}
}

// Register wires the service onto a *grpc.Server by hand, since this
// module has no protoc/protobuf code generation step available (see
// DESIGN.md); the streaming handler is registered with a plain-Go codec
// rather than generated request/response stubs.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "regioncdc.RegionChangeFeed",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "EventFeed",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				var req SubscribeRequest
				if err := stream.RecvMsg(&req); err != nil {
					return err
				}
				return srv.EventFeed(req, grpcEventStream{stream})
			},
		}},
	}, srv)
}

// grpcEventStream adapts a grpc.ServerStream to EventStream.
type grpcEventStream struct {
	grpc.ServerStream
}

func (g grpcEventStream) Send(ev *wire.Event) error { return g.SendMsg(ev) }
