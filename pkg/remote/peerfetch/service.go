package peerfetch

import (
	"context"

	"google.golang.org/grpc"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
)

// ServiceName is the gRPC service path this package registers and dials.
const ServiceName = "ankurah.peerfetch.PeerFetch"

// GetEventsRequest asks a peer for a batch of events by id.
type GetEventsRequest struct {
	Ids []string `json:"ids"`
}

// GetEventsResponse carries every requested event the peer has. Ids not
// found are simply absent — the caller (CachedReader) already treats a
// short response as a partial miss.
type GetEventsResponse struct {
	Events []event.WireEvent `json:"events"`
}

// EventSource is the local capability this package's server wraps: a
// read-only view over this node's own staging+storage.
type EventSource interface {
	GetEvent(ctx context.Context, id clock.EventId) (event.Event, error)
}

// Server implements the PeerFetch service, answering GetEvents requests
// from this node's own EventSource. Ids this node doesn't have are
// silently omitted from the response rather than failing the whole
// request.
type Server struct {
	source EventSource
}

// NewServer wraps source as a PeerFetch gRPC service.
func NewServer(source EventSource) *Server {
	return &Server{source: source}
}

func (s *Server) getEvents(ctx context.Context, req *GetEventsRequest) (*GetEventsResponse, error) {
	resp := &GetEventsResponse{}
	for _, hexID := range req.Ids {
		id, err := clock.ParseEventId(hexID)
		if err != nil {
			continue
		}
		e, err := s.source.GetEvent(ctx, id)
		if err != nil {
			continue
		}
		resp.Events = append(resp.Events, event.Encode(e))
	}
	return resp, nil
}

func getEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetEventsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getEvents(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetEvents"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).getEvents(ctx, req.(*GetEventsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc is the hand-written equivalent of a generated
// *_grpc.pb.go's ServiceDesc: one unary method, dispatched through the
// JSON codec registered in codec.go.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEvents", Handler: getEventsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peerfetch.proto",
}

// RegisterServer attaches Server to a grpc.Server under ServiceDesc.
func RegisterServer(s *grpc.Server, server *Server) {
	s.RegisterService(&ServiceDesc, server)
}
