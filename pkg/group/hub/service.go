package hub

import (
	"context"
	"time"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"google.golang.org/grpc"
)

const serviceName = "dwarfkeeper.Hub"

type JoinRequest struct {
	Group  string         `json:"group"`
	Member group.MemberID `json:"member"`
	Role   group.Role     `json:"role"`
}

type JoinResponse struct {
	View group.View `json:"view"`
}

type SubscribeRequest struct {
	Member group.MemberID `json:"member"`
}

// Envelope is one delivery on a subscription stream. Only one of View and Message is set.
type Envelope struct {
	View    *group.View `json:"view,omitempty"`
	Message *Delivery   `json:"message,omitempty"`
}

// Delivery is a message delivered to a remote member. The member answers it by sending its Token back
// with Respond.
type Delivery struct {
	Token   uint64         `json:"token"`
	ID      dxid.DXID      `json:"id"`
	From    group.MemberID `json:"from"`
	Tag     group.Tag      `json:"tag"`
	Payload []byte         `json:"payload"`
	// Deadline is the deadline of the sender of a query, if it has one.
	Deadline *time.Time `json:"deadline,omitempty"`
}

type RespondRequest struct {
	Member  group.MemberID `json:"member"`
	Token   uint64         `json:"token"`
	Payload []byte         `json:"payload"`
}

type BroadcastRequest struct {
	Member  group.MemberID `json:"member"`
	Targets group.Role     `json:"targets"`
	Tag     group.Tag      `json:"tag"`
	Payload []byte         `json:"payload"`
}

type BroadcastResponse struct {
	Replies []group.Reply `json:"replies"`
}

// QueryRequest is sent either by a member to another member (Member and To set) or by a client to any
// member of a group that accepts the tag (Group set).
type QueryRequest struct {
	Member  group.MemberID `json:"member,omitempty"`
	To      group.MemberID `json:"to,omitempty"`
	Group   string         `json:"group,omitempty"`
	Tag     group.Tag      `json:"tag"`
	Payload []byte         `json:"payload"`
}

type QueryResponse struct {
	Payload []byte `json:"payload"`
}

type AllowRequest struct {
	Member group.MemberID `json:"member"`
	Tag    group.Tag      `json:"tag"`
}

type LeaveRequest struct {
	Member group.MemberID `json:"member"`
}

type GetViewRequest struct {
	Group string `json:"group"`
}

type Empty struct{}

// HubServer is the server side of the hub service.
type HubServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
	Respond(context.Context, *RespondRequest) (*Empty, error)
	Broadcast(context.Context, *BroadcastRequest) (*BroadcastResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	Allow(context.Context, *AllowRequest) (*Empty, error)
	Leave(context.Context, *LeaveRequest) (*Empty, error)
	GetView(context.Context, *GetViewRequest) (*JoinResponse, error)
}

// RegisterHubServer registers srv with s.
func RegisterHubServer(s grpc.ServiceRegistrar, srv HubServer) {
	s.RegisterService(&hubServiceDesc, srv)
}

var hubServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HubServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: unaryHandler("Join", HubServer.Join)},
		{MethodName: "Respond", Handler: unaryHandler("Respond", HubServer.Respond)},
		{MethodName: "Broadcast", Handler: unaryHandler("Broadcast", HubServer.Broadcast)},
		{MethodName: "Query", Handler: unaryHandler("Query", HubServer.Query)},
		{MethodName: "Allow", Handler: unaryHandler("Allow", HubServer.Allow)},
		{MethodName: "Leave", Handler: unaryHandler("Leave", HubServer.Leave)},
		{MethodName: "GetView", Handler: unaryHandler("GetView", HubServer.GetView)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unaryHandler adapts a HubServer method to the handler signature grpc expects.
func unaryHandler[Req, Resp any](name string, call func(HubServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HubServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(name),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HubServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HubServer).Subscribe(in, stream)
}
