// Package snapshot exposes merged canvas documents over gRPC.
//
// The service is described by hand rather than generated: one unary method
// taking the canvas id as a StringValue and returning the merged document as
// a BytesValue.
package snapshot

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name, also used for
	// health reporting.
	ServiceName = "tripboard.canvas.v1.SnapshotService"

	getSnapshotMethod = "/" + ServiceName + "/GetSnapshot"
)

// Server is the server API for the snapshot service.
type Server interface {
	GetSnapshot(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

// Register attaches srv to the gRPC registrar.
func Register(registrar grpc.ServiceRegistrar, srv Server) {
	registrar.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSnapshot",
			Handler:    getSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tripboard/canvas/v1/snapshot.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getSnapshotMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetSnapshot(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the snapshot service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSnapshot fetches the merged document for canvasID.
func (c *Client) GetSnapshot(ctx context.Context, canvasID string, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, getSnapshotMethod, wrapperspb.String(canvasID), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
