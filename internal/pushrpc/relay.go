// Package pushrpc defines the PushRelay gRPC service that dispatcher nodes use to
// hand offer notifications to notifier nodes. Requests are google.protobuf.Struct
// values so no generated stubs are needed.
package pushrpc

import (
	"context"
	"fmt"

	"contractor-dispatch/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName   = "dispatch.push.v1.PushRelay"
	DeliverMethod = "/" + ServiceName + "/Deliver"
)

// RelayServer is implemented by notifier nodes.
type RelayServer interface {
	Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// RelayClient calls a notifier node.
type RelayClient interface {
	Deliver(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dispatch/push/v1/relay.proto",
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type relayClient struct {
	cc grpc.ClientConnInterface
}

func NewRelayClient(cc grpc.ClientConnInterface) RelayClient {
	return &relayClient{cc: cc}
}

func (c *relayClient) Deliver(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, DeliverMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeDelivery packs a token and message into the relay request.
func EncodeDelivery(token string, msg domain.PushMessage) (*structpb.Struct, error) {
	fields := map[string]any{
		"token": token,
		"title": msg.Title,
		"body":  msg.Body,
	}
	if len(msg.Data) > 0 {
		fields["data"] = msg.Data
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push relay request: %w", err)
	}
	return s, nil
}

// DecodeDelivery unpacks a relay request. Numbers in data come back as float64.
func DecodeDelivery(s *structpb.Struct) (string, domain.PushMessage, error) {
	if s == nil {
		return "", domain.PushMessage{}, fmt.Errorf("%w: empty push relay request", domain.ErrValidation)
	}
	fields := s.GetFields()
	token := fields["token"].GetStringValue()
	if token == "" {
		return "", domain.PushMessage{}, fmt.Errorf("%w: push relay request has no token", domain.ErrValidation)
	}
	msg := domain.PushMessage{
		Title: fields["title"].GetStringValue(),
		Body:  fields["body"].GetStringValue(),
	}
	if data := fields["data"].GetStructValue(); data != nil {
		msg.Data = data.AsMap()
	}
	return token, msg, nil
}
