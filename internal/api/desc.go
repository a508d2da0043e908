package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "pigeon.v1.Sync"

// SyncServer is the daemon side of the control API.
type SyncServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Conversations(context.Context, *Empty) (*ConversationsResponse, error)
	Open(context.Context, *OpenRequest) (*MessagesResponse, error)
	Messages(context.Context, *Empty) (*MessagesResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*Empty, error)
	Refresh(context.Context, *Empty) (*MessagesResponse, error)
	Close(context.Context, *Empty) (*Empty, error)
	Pending(context.Context, *Empty) (*PendingResponse, error)
	Drain(context.Context, *Empty) (*DrainResponse, error)
	SetNetwork(context.Context, *SetNetworkRequest) (*Empty, error)
	SignOut(context.Context, *Empty) (*Empty, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	Watch(*WatchRequest, WatchStream) error
}

// WatchStream is the server end of a Watch call.
type WatchStream interface {
	Send(*Event) error
	Context() context.Context
}

// ServiceDesc describes SyncServer to grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", SyncServer.Status),
		unary("Conversations", SyncServer.Conversations),
		unary("Open", SyncServer.Open),
		unary("Messages", SyncServer.Messages),
		unary("Send", SyncServer.Send),
		unary("MarkRead", SyncServer.MarkRead),
		unary("Refresh", SyncServer.Refresh),
		unary("Close", SyncServer.Close),
		unary("Pending", SyncServer.Pending),
		unary("Drain", SyncServer.Drain),
		unary("SetNetwork", SyncServer.SetNetwork),
		unary("SignOut", SyncServer.SignOut),
		unary("Search", SyncServer.Search),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pigeon/v1/sync",
}

// RegisterSyncServer attaches srv to s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*Req))
			})
		},
	}
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *Event) error {
	return w.ServerStream.SendMsg(e)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Watch(in, &watchServer{stream})
}
